// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package healthprobe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func listenerPort(t *testing.T, l net.Listener) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestWaitSucceedsImmediately(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	p := New(nil)
	err = p.Wait(context.Background(), listenerPort(t, l))
	require.NoError(t, err)
}

func TestWaitRetriesUntilReady(t *testing.T) {
	var calls int32
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	p := New(nil)
	err = p.Wait(context.Background(), listenerPort(t, l))
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestWaitFailsOnContextCancel(t *testing.T) {
	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Wait(ctx, 1) // nothing listens on this port
	require.Error(t, err)
}
