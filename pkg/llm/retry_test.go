// Copyright 2025 The Ringmaster Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	stderrors "errors"
	"net/http"
	"testing"
	"time"

	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// mockRetryProvider is a test provider that can simulate failures.
type mockRetryProvider struct {
	name           string
	failCount      int
	currentAttempt int
	failWith       error
	successResp    *CompletionResponse
}

func (m *mockRetryProvider) Name() string {
	return m.name
}

func (m *mockRetryProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.currentAttempt++

	if m.currentAttempt <= m.failCount {
		return nil, m.failWith
	}

	return m.successResp, nil
}

func (m *mockRetryProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	m.currentAttempt++

	if m.currentAttempt <= m.failCount {
		return nil, m.failWith
	}

	chunks := make(chan StreamChunk, 1)
	go func() {
		defer close(chunks)
		chunks <- StreamChunk{
			Delta: StreamDelta{Content: "test"},
		}
	}()

	return chunks, nil
}

func TestRetryableProvider_SuccessFirstAttempt(t *testing.T) {
	mock := &mockRetryProvider{
		name:      "test",
		failCount: 0,
		successResp: &CompletionResponse{
			Content: "success",
		},
	}

	config := DefaultRetryConfig()
	config.InitialDelay = 1 * time.Millisecond // Speed up test

	retry := NewRetryableProvider(mock, config)

	resp, err := retry.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Content: "test"}},
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if resp.Content != "success" {
		t.Errorf("expected content 'success', got '%s'", resp.Content)
	}

	if mock.currentAttempt != 1 {
		t.Errorf("expected 1 attempt, got %d", mock.currentAttempt)
	}
}

func TestRetryableProvider_SuccessAfterRetries(t *testing.T) {
	mock := &mockRetryProvider{
		name:      "test",
		failCount: 2,
		failWith:  NewHTTPError(http.StatusServiceUnavailable, "service unavailable"),
		successResp: &CompletionResponse{
			Content: "success",
		},
	}

	config := DefaultRetryConfig()
	config.InitialDelay = 1 * time.Millisecond // Speed up test
	config.MaxRetries = 3

	retry := NewRetryableProvider(mock, config)

	resp, err := retry.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Content: "test"}},
	})

	if err != nil {
		t.Fatalf("expected no error after retries, got %v", err)
	}

	if resp.Content != "success" {
		t.Errorf("expected content 'success', got '%s'", resp.Content)
	}

	if mock.currentAttempt != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.currentAttempt)
	}
}

func TestRetryableProvider_MaxRetriesExceeded(t *testing.T) {
	mock := &mockRetryProvider{
		name:      "test",
		failCount: 10, // Always fail
		failWith:  NewHTTPError(http.StatusServiceUnavailable, "service unavailable"),
	}

	config := DefaultRetryConfig()
	config.InitialDelay = 1 * time.Millisecond // Speed up test
	config.MaxRetries = 2

	retry := NewRetryableProvider(mock, config)

	_, err := retry.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Content: "test"}},
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !stderrors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", err)
	}

	if mock.currentAttempt != 3 {
		t.Errorf("expected 3 attempts (1 initial + 2 retries), got %d", mock.currentAttempt)
	}
}

func TestRetryableProvider_NonRetryableError(t *testing.T) {
	mock := &mockRetryProvider{
		name:      "test",
		failCount: 10, // Always fail
		failWith:  NewHTTPError(http.StatusUnauthorized, "unauthorized"),
	}

	config := DefaultRetryConfig()
	config.InitialDelay = 1 * time.Millisecond // Speed up test
	config.MaxRetries = 3

	retry := NewRetryableProvider(mock, config)

	_, err := retry.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Content: "test"}},
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	// Should fail immediately without retries
	if mock.currentAttempt != 1 {
		t.Errorf("expected 1 attempt (no retries for 401), got %d", mock.currentAttempt)
	}

	var httpErr *HTTPError
	if !stderrors.As(err, &httpErr) {
		t.Errorf("expected HTTPError, got %T", err)
	}
}

func TestRetryableProvider_ContextCancelled(t *testing.T) {
	mock := &mockRetryProvider{
		name:      "test",
		failCount: 10, // Always fail
		failWith:  NewHTTPError(http.StatusServiceUnavailable, "service unavailable"),
	}

	config := DefaultRetryConfig()
	config.InitialDelay = 100 * time.Millisecond
	config.MaxRetries = 5

	retry := NewRetryableProvider(mock, config)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := retry.Complete(ctx, CompletionRequest{
		Messages: []Message{{Content: "test"}},
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestRetryableProvider_StreamRetry(t *testing.T) {
	mock := &mockRetryProvider{
		name:      "test",
		failCount: 2,
		failWith:  NewHTTPError(http.StatusServiceUnavailable, "service unavailable"),
	}

	config := DefaultRetryConfig()
	config.InitialDelay = 1 * time.Millisecond
	config.MaxRetries = 3

	retry := NewRetryableProvider(mock, config)

	chunks, err := retry.Stream(context.Background(), CompletionRequest{
		Messages: []Message{{Content: "test"}},
	})

	if err != nil {
		t.Fatalf("expected no error after retries, got %v", err)
	}

	var content string
	for chunk := range chunks {
		content += chunk.Delta.Content
	}

	if content != "test" {
		t.Errorf("expected content 'test', got '%s'", content)
	}

	if mock.currentAttempt != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.currentAttempt)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "HTTP 500",
			err:       NewHTTPError(http.StatusInternalServerError, "internal error"),
			retryable: true,
		},
		{
			name:      "HTTP 503",
			err:       NewHTTPError(http.StatusServiceUnavailable, "service unavailable"),
			retryable: true,
		},
		{
			name:      "HTTP 429",
			err:       NewHTTPError(http.StatusTooManyRequests, "rate limited"),
			retryable: true,
		},
		{
			name:      "HTTP 400",
			err:       NewHTTPError(http.StatusBadRequest, "bad request"),
			retryable: false,
		},
		{
			name:      "HTTP 401",
			err:       NewHTTPError(http.StatusUnauthorized, "unauthorized"),
			retryable: false,
		},
		{
			name:      "operation timeout",
			err:       &errors.TimeoutError{Operation: "completion", Duration: 30 * time.Second},
			retryable: true,
		},
		{
			name:      "operation timeout wrapping deadline",
			err:       &errors.TimeoutError{Operation: "completion", Duration: 30 * time.Second, Cause: context.DeadlineExceeded},
			retryable: true,
		},
		{
			name:      "context cancelled",
			err:       context.Canceled,
			retryable: false,
		},
		{
			name:      "context deadline exceeded",
			err:       context.DeadlineExceeded,
			retryable: false,
		},
		{
			name:      "generic error",
			err:       stderrors.New("generic error"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isRetryableError(tt.err)
			if result != tt.retryable {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, result, tt.retryable)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	config := RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}

	wrapper := NewRetryableProvider(nil, config)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 1, expected: 100 * time.Millisecond},
		{attempt: 2, expected: 200 * time.Millisecond},
		{attempt: 3, expected: 400 * time.Millisecond},
		{attempt: 4, expected: 800 * time.Millisecond},
		{attempt: 5, expected: 1600 * time.Millisecond},
		{attempt: 6, expected: 3200 * time.Millisecond},
		{attempt: 7, expected: 5000 * time.Millisecond}, // Capped at MaxDelay
		{attempt: 8, expected: 5000 * time.Millisecond}, // Still capped
	}

	for _, tt := range tests {
		delay := wrapper.calculateBackoff(tt.attempt)
		if delay != tt.expected {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, delay, tt.expected)
		}
	}
}

func TestCalculateBackoffWithJitter(t *testing.T) {
	config := RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2, // 20% jitter
	}

	wrapper := NewRetryableProvider(nil, config)

	attempt := 3
	expectedBase := 400 * time.Millisecond
	minDelay := float64(expectedBase) * 0.8
	maxDelay := float64(expectedBase) * 1.2

	for i := 0; i < 100; i++ {
		delay := wrapper.calculateBackoff(attempt)
		if float64(delay) < minDelay || float64(delay) > maxDelay {
			t.Errorf("calculateBackoff(%d) = %v, want between %v and %v", attempt, delay, time.Duration(minDelay), time.Duration(maxDelay))
		}
	}
}
