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

package mcp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/internal/secrets"
)

// emptyPayloadHash is the SHA-256 of a zero-length body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// buildAuthClient returns an *http.Client whose transport injects the
// descriptor's credentials. Secret references in credential fields are
// resolved before use. Returns nil when no auth mode is configured, which
// tells the HTTP transport to use its default client.
func buildAuthClient(ctx context.Context, auth *config.AuthConfig, resolver *secrets.Resolver) (*http.Client, error) {
	if auth == nil || auth.Mode == config.AuthNone {
		return nil, nil
	}

	base := http.DefaultTransport

	switch auth.Mode {
	case config.AuthBearer:
		token, err := resolver.Expand(ctx, auth.Token)
		if err != nil {
			return nil, fmt.Errorf("resolving bearer token: %w", err)
		}
		return &http.Client{
			Transport: &bearerTransport{base: base, token: token},
		}, nil

	case config.AuthOAuth2:
		clientID, err := resolver.Expand(ctx, auth.ClientID)
		if err != nil {
			return nil, fmt.Errorf("resolving oauth2 client_id: %w", err)
		}
		clientSecret, err := resolver.Expand(ctx, auth.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("resolving oauth2 client_secret: %w", err)
		}
		cc := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		return &http.Client{
			Transport: &oauth2.Transport{
				Source: cc.TokenSource(context.Background()),
				Base:   base,
			},
		}, nil

	case config.AuthJWT:
		secret, err := resolver.Expand(ctx, auth.Secret)
		if err != nil {
			return nil, fmt.Errorf("resolving jwt secret: %w", err)
		}
		ttl := time.Duration(auth.TokenTTL) * time.Second
		if ttl == 0 {
			ttl = 5 * time.Minute
		}
		return &http.Client{
			Transport: &jwtTransport{
				base:     base,
				secret:   []byte(secret),
				issuer:   auth.Issuer,
				audience: auth.Audience,
				ttl:      ttl,
			},
		}, nil

	case config.AuthSigV4:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(auth.Region),
		)
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}

		// Fail at connect rather than on the first signed request.
		validateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stsClient := sts.NewFromConfig(awsCfg)
		if _, err := stsClient.GetCallerIdentity(validateCtx, &sts.GetCallerIdentityInput{}); err != nil {
			return nil, fmt.Errorf("AWS credential validation failed: %w", err)
		}

		return &http.Client{
			Transport: &sigv4Transport{
				base:        base,
				signer:      v4.NewSigner(),
				credentials: awsCfg.Credentials,
				service:     auth.Service,
				region:      auth.Region,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", auth.Mode)
	}
}

// bearerTransport sets a static bearer token on every request.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// jwtTransport mints short-lived HS256 tokens and reuses them until close
// to expiry.
type jwtTransport struct {
	base     http.RoundTripper
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.currentToken()
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// currentToken returns the cached token, minting a fresh one when the
// cached token is within 30s of expiry.
func (t *jwtTransport) currentToken() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Add(30*time.Second).Before(t.expires) {
		return t.token, nil
	}

	now := time.Now()
	expires := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if t.audience != "" {
		claims.Audience = jwt.ClaimStrings{t.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	t.token = signed
	t.expires = expires
	return signed, nil
}

// sigv4Transport signs every request with AWS Signature Version 4.
type sigv4Transport struct {
	base        http.RoundTripper
	signer      *v4.Signer
	credentials aws.CredentialsProvider
	service     string
	region      string
}

func (t *sigv4Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	creds, err := t.credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve AWS credentials: %w", err)
	}

	clone := req.Clone(ctx)

	// SigV4 needs the payload hash, so the body has to be buffered.
	payloadHash := emptyPayloadHash
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	clone.Header.Set("X-Amz-Content-Sha256", payloadHash)

	if err := t.signer.SignHTTP(ctx, creds, clone, payloadHash, t.service, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	return t.base.RoundTrip(clone)
}
