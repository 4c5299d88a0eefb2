// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package neo

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHealth is a scriptable healthChecker.
type fakeHealth struct {
	err error
}

func (f *fakeHealth) VerifyConnectivity(ctx context.Context) error {
	return f.err
}

// newTestClient builds a client with fast timings and no real driver.
func newTestClient(t *testing.T, mutate func(*ClientConfig)) *ResilientClient {
	t.Helper()
	config := DefaultClientConfig()
	config.URI = "bolt://localhost:7687"
	config.RetryAttempts = 1
	config.RetryBackoff = time.Millisecond
	config.MaxRetryBackoff = 5 * time.Millisecond
	config.CircuitThreshold = 3
	config.CircuitCooldown = time.Hour // Never half-opens unless the test forces it
	if mutate != nil {
		mutate(&config)
	}
	config.applyDefaults()
	require.NoError(t, config.Validate())

	client := newResilientClient(nil, &fakeHealth{}, config)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateConnected, "connected"},
		{StateDegraded, "degraded"},
		{StateCircuitOpen, "circuit_open"},
		{StateHalfOpen, "half_open"},
		{ConnectionState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr bool
	}{
		{"defaults with uri", nil, false},
		{"empty uri", func(c *ClientConfig) { c.URI = "" }, true},
		{"negative retries", func(c *ClientConfig) { c.RetryAttempts = -1 }, true},
		{"jitter above one", func(c *ClientConfig) { c.RetryJitter = 1.5 }, true},
		{"zero circuit threshold", func(c *ClientConfig) { c.CircuitThreshold = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultClientConfig()
			config.URI = "bolt://localhost:7687"
			if tt.mutate != nil {
				tt.mutate(&config)
			}
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecute_SuccessWhenConnected(t *testing.T) {
	client := newTestClient(t, nil)
	client.transitionState(StateConnected)

	calls := 0
	err := client.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateConnected, client.GetState())
}

func TestExecute_RetriesRetryableErrors(t *testing.T) {
	client := newTestClient(t, nil)
	client.transitionState(StateConnected)

	calls := 0
	err := client.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecute_NoRetryOnApplicationError(t *testing.T) {
	client := newTestClient(t, nil)
	client.transitionState(StateConnected)

	appErr := errors.New("syntax error in cypher")
	calls := 0
	err := client.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return appErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErr)
	assert.Equal(t, 1, calls)
}

func TestExecute_CircuitOpensAfterThreshold(t *testing.T) {
	client := newTestClient(t, func(c *ClientConfig) {
		c.RetryAttempts = 0
		c.CircuitThreshold = 2
	})
	client.transitionState(StateConnected)

	fail := func(ctx context.Context) error { return errors.New("boom") }
	require.Error(t, client.Execute(context.Background(), fail))
	require.Error(t, client.Execute(context.Background(), fail))
	assert.Equal(t, StateCircuitOpen, client.GetState())

	// Circuit open: requests are blocked without invoking fn.
	calls := 0
	err := client.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestExecute_HalfOpenRecovery(t *testing.T) {
	client := newTestClient(t, func(c *ClientConfig) {
		c.RetryAttempts = 0
		c.CircuitThreshold = 1
		c.CircuitCooldown = time.Nanosecond
	})
	client.transitionState(StateConnected)

	require.Error(t, client.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.Equal(t, StateCircuitOpen, client.GetState())

	// Cooldown elapsed: the next request is the half-open probe,
	// and its success closes the circuit.
	time.Sleep(time.Millisecond)
	err := client.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateConnected, client.GetState())
}

func TestExecute_AfterClose(t *testing.T) {
	client := newTestClient(t, nil)
	require.NoError(t, client.Close())

	err := client.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRegisterHandler_NotifiedOfCurrentState(t *testing.T) {
	client := newTestClient(t, nil)
	// Clients start degraded until proven healthy.
	require.True(t, client.IsDegraded())

	handler := NewIngestDegradation(nil)
	client.RegisterHandler(handler)
	assert.True(t, handler.ShouldRefuseRuns())

	client.transitionState(StateConnected)
	assert.False(t, handler.ShouldRefuseRuns())
	assert.True(t, handler.IsNormal())
}

func TestTransitionState_NotifiesOnDegradeAndRecover(t *testing.T) {
	client := newTestClient(t, nil)
	client.transitionState(StateConnected)

	handler := NewQueryDegradation(nil)
	client.RegisterHandler(handler)
	require.False(t, handler.ShouldFailFast())

	client.transitionState(StateDegraded)
	assert.True(t, handler.ShouldFailFast())

	client.transitionState(StateConnected)
	assert.False(t, handler.ShouldFailFast())
}

func TestCalculateBackoff_CappedAndPositive(t *testing.T) {
	client := newTestClient(t, func(c *ClientConfig) {
		c.RetryBackoff = 100 * time.Millisecond
		c.MaxRetryBackoff = time.Second
		c.RetryJitter = 0.25
	})

	for attempt := 1; attempt <= 10; attempt++ {
		backoff := client.calculateBackoff(attempt)
		assert.Positive(t, backoff)
		assert.LessOrEqual(t, backoff, time.Second+time.Second/4)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context cancelled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"application error", errors.New("constraint violation"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestWrapStoreError(t *testing.T) {
	assert.NoError(t, WrapStoreError(nil))
	assert.ErrorIs(t, WrapStoreError(context.DeadlineExceeded), ErrConnectionTimeout)

	plain := errors.New("plain failure")
	wrapped := WrapStoreError(plain)
	assert.ErrorIs(t, wrapped, plain)
}
