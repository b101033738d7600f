package redisx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tickerpipe/internal/redistest"
)

func newClient(t *testing.T, srv *redistest.Server, db int) *Client {
	t.Helper()
	c := New(Config{Addr: srv.Addr(), DB: db})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Ping(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newClient(t, srv, 0)

	assert.NoError(t, c.Ping(context.Background()))
}

func TestClient_SetGet(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newClient(t, srv, 0)
	ctx := context.Background()

	reply, err := c.Do(ctx, "SET", "greeting", "hello")
	require.NoError(t, err)
	s, ok := reply.Str()
	require.True(t, ok)
	assert.Equal(t, "OK", s)

	reply, err = c.Do(ctx, "GET", "greeting")
	require.NoError(t, err)
	s, ok = reply.Str()
	require.True(t, ok)
	assert.Equal(t, "hello", s)
}

func TestClient_NilReply(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newClient(t, srv, 0)

	reply, err := c.Do(context.Background(), "GET", "missing")
	require.NoError(t, err)
	assert.True(t, reply.IsNil())
	_, ok := reply.Str()
	assert.False(t, ok)
}

func TestClient_IntAndList(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newClient(t, srv, 0)
	ctx := context.Background()

	reply, err := c.Do(ctx, "LPUSH", "items", "a", "b")
	require.NoError(t, err)
	n, err := reply.Int()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reply, err = c.Do(ctx, "LRANGE", "items", "0", "-1")
	require.NoError(t, err)
	list, ok := reply.List()
	require.True(t, ok)
	// LPUSH pushes each value onto the head in turn.
	assert.Equal(t, []string{"b", "a"}, list)
}

func TestClient_ServerErrorKeepsConnectionUsable(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newClient(t, srv, 0)
	ctx := context.Background()

	_, err := c.Do(ctx, "NOSUCHCOMMAND")
	require.Error(t, err)
	var serverErr *ServerError
	assert.ErrorAs(t, err, &serverErr)

	// The same client keeps working after a server error.
	assert.NoError(t, c.Ping(ctx))
}

func TestClient_DatabaseIsolation(t *testing.T) {
	srv := redistest.NewServer(t)
	broker := newClient(t, srv, 13)
	backend := newClient(t, srv, 14)
	ctx := context.Background()

	_, err := broker.Do(ctx, "SET", "shared-key", "broker-value")
	require.NoError(t, err)

	reply, err := backend.Do(ctx, "GET", "shared-key")
	require.NoError(t, err)
	assert.True(t, reply.IsNil(), "namespaces must not cross-talk")
}

func TestClient_Auth(t *testing.T) {
	srv := redistest.NewServer(t, redistest.WithPassword("sekrit"))

	t.Run("correct password", func(t *testing.T) {
		c := New(Config{Addr: srv.Addr(), Password: "sekrit"})
		defer c.Close()
		assert.NoError(t, c.Ping(context.Background()))
	})

	t.Run("wrong password", func(t *testing.T) {
		c := New(Config{Addr: srv.Addr(), Password: "nope"})
		defer c.Close()
		assert.Error(t, c.Ping(context.Background()))
	})

	t.Run("missing password", func(t *testing.T) {
		c := New(Config{Addr: srv.Addr()})
		defer c.Close()
		assert.Error(t, c.Ping(context.Background()))
	})
}

func TestClient_Close(t *testing.T) {
	srv := redistest.NewServer(t)
	c := New(Config{Addr: srv.Addr()})

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())

	_, err := c.Do(context.Background(), "PING")
	assert.ErrorIs(t, err, ErrClientClosed)
}
