// Package redisx is a minimal Redis client speaking the wire protocol
// directly. It covers exactly the command surface the broker, backend, and
// cache tiers use; connections are pooled and authenticated/SELECTed on dial.
package redisx

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// Config holds client configuration for one logical Redis namespace.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	OpTimeout   time.Duration
	PoolSize    int
}

// Client is a pooled connection client bound to a single database index.
type Client struct {
	cfg    Config
	idle   chan *poolConn
	closed atomic.Bool
}

// New creates a client. No connection is made until the first command.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	return &Client{
		cfg:  cfg,
		idle: make(chan *poolConn, cfg.PoolSize),
	}
}

// Addr returns the configured server address.
func (c *Client) Addr() string {
	return c.cfg.Addr
}

// DB returns the configured database index.
func (c *Client) DB() int {
	return c.cfg.DB
}

// Do sends one command and decodes the response.
func (c *Client) Do(ctx context.Context, parts ...string) (Reply, error) {
	if c.closed.Load() {
		return Reply{}, ErrClientClosed
	}
	if len(parts) == 0 {
		return Reply{}, fmt.Errorf("empty command")
	}

	pc, err := c.get(ctx)
	if err != nil {
		return Reply{}, err
	}

	deadline := time.Now().Add(c.cfg.OpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = pc.nc.SetDeadline(deadline)

	if err := writeRESP(pc.rw, parts...); err != nil {
		pc.close()
		return Reply{}, fmt.Errorf("redis write %s: %w", parts[0], err)
	}
	value, err := readRESP(pc.rw)
	if err != nil {
		// Server errors leave the connection usable, protocol and socket
		// errors do not.
		if _, ok := err.(*ServerError); ok {
			c.put(pc)
			return Reply{}, err
		}
		pc.close()
		return Reply{}, fmt.Errorf("redis read %s: %w", parts[0], err)
	}

	c.put(pc)
	return Reply{value: value}, nil
}

// Ping verifies the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Do(ctx, "PING")
	if err != nil {
		return err
	}
	if s, ok := reply.Str(); !ok || s != "PONG" {
		return fmt.Errorf("unexpected ping response %q", s)
	}
	return nil
}

// Close releases idle connections. In-flight commands finish on their own
// connections.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for {
		select {
		case pc := <-c.idle:
			pc.close()
		default:
			return nil
		}
	}
}

type poolConn struct {
	nc net.Conn
	rw *readWriter
}

func (p *poolConn) close() {
	_ = p.nc.Close()
}

func (c *Client) get(ctx context.Context) (*poolConn, error) {
	select {
	case pc := <-c.idle:
		return pc, nil
	default:
	}
	return c.dial(ctx)
}

func (c *Client) put(pc *poolConn) {
	if c.closed.Load() {
		pc.close()
		return
	}
	select {
	case c.idle <- pc:
	default:
		pc.close()
	}
}

// dial opens and prepares a connection: AUTH when a password is configured,
// SELECT when the namespace is not the default database.
func (c *Client) dial(ctx context.Context) (*poolConn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("redis dial %s: %w", c.cfg.Addr, err)
	}

	pc := &poolConn{nc: nc, rw: newReadWriter(nc)}
	_ = nc.SetDeadline(time.Now().Add(c.cfg.DialTimeout))

	if c.cfg.Password != "" {
		if err := c.roundTrip(pc, "AUTH", c.cfg.Password); err != nil {
			pc.close()
			return nil, fmt.Errorf("redis auth: %w", err)
		}
	}
	if c.cfg.DB > 0 {
		if err := c.roundTrip(pc, "SELECT", strconv.Itoa(c.cfg.DB)); err != nil {
			pc.close()
			return nil, fmt.Errorf("redis select %d: %w", c.cfg.DB, err)
		}
	}

	return pc, nil
}

func (c *Client) roundTrip(pc *poolConn, parts ...string) error {
	if err := writeRESP(pc.rw, parts...); err != nil {
		return err
	}
	_, err := readRESP(pc.rw)
	return err
}
