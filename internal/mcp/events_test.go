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
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversToListeners(t *testing.T) {
	em := NewEmitter(testLogger())

	var got []Event
	em.On(func(ev Event) { got = append(got, ev) })

	em.EmitConnected("files", 3)

	require.Len(t, got, 1)
	require.Equal(t, EventConnected, got[0].Type)
	require.Equal(t, "files", got[0].Server)
	require.Equal(t, 3, got[0].Details["tool_count"])
	require.False(t, got[0].Timestamp.IsZero())
}

func TestEmitterOff(t *testing.T) {
	em := NewEmitter(testLogger())

	count := 0
	id := em.On(func(Event) { count++ })

	em.EmitStopped("files")
	em.Off(id)
	em.EmitStopped("files")

	require.Equal(t, 1, count)
}

func TestEmitterMultipleListeners(t *testing.T) {
	em := NewEmitter(testLogger())

	a, b := 0, 0
	em.On(func(Event) { a++ })
	em.On(func(Event) { b++ })

	em.EmitDegraded("files", "ping failed")

	require.Equal(t, 1, a)
	require.Equal(t, 1, b)
}

func TestEmitterListenerPanicIsolated(t *testing.T) {
	em := NewEmitter(testLogger())

	delivered := false
	em.On(func(Event) { panic("listener bug") })
	em.On(func(Event) { delivered = true })

	require.NotPanics(t, func() {
		em.EmitFailed("files", stderrors.New("gone"))
	})
	require.True(t, delivered)
}

func TestEmitterEventDetails(t *testing.T) {
	em := NewEmitter(testLogger())

	var events []Event
	em.On(func(ev Event) { events = append(events, ev) })

	em.EmitConnected("files", 2)
	em.EmitDegraded("files", "broken pipe")
	em.EmitReconnected("files", 3)
	em.EmitFailed("files", stderrors.New("spawn failed"))
	em.EmitToolsChanged("files", 5)
	em.EmitStopped("files")

	require.Len(t, events, 6)
	require.Equal(t, "broken pipe", events[1].Details["reason"])
	require.Equal(t, 3, events[2].Details["attempt"])
	require.Equal(t, "spawn failed", events[3].Details["error"])
	require.Equal(t, 5, events[4].Details["tool_count"])

	for _, ev := range events {
		require.Equal(t, "files", ev.Server)
		require.False(t, ev.Timestamp.IsZero())
	}
}
