// Package testutil runs an embedded JetStream server for package tests.
package testutil

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// JetStream starts a JetStream-enabled server on a free local port and connects to it.
// Both are shut down when the test finishes.
func JetStream(t testing.TB) nats.JetStreamContext {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatal("embedded NATS server did not become ready")
	}

	nc, err := nats.Connect(srv.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)
	return js
}

// RequireStream fails the test unless the stream exists within timeout
func RequireStream(t testing.TB, js nats.JetStreamContext, name string, timeout time.Duration) *nats.StreamInfo {
	t.Helper()

	var info *nats.StreamInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = js.StreamInfo(name)
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			t.Logf("stream info %s: %v", name, err)
		}
		return err == nil
	}, timeout, 50*time.Millisecond, "stream %s was not created", name)
	return info
}

// Collector records the payloads delivered on a subject
type Collector struct {
	mu   sync.Mutex
	msgs [][]byte
}

// Collect subscribes to subject for the rest of the test
func Collect(t testing.TB, js nats.JetStreamContext, subject string) *Collector {
	t.Helper()

	c := &Collector{}
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg.Data)
		c.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	return c
}

// Messages returns a copy of everything received so far
func (c *Collector) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

// Len returns the number of messages received
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}
