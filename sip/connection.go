// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"net"
	"sync"
	"time"
)

// ConnectionRole distinguishes a connection this process accepted from one
// it dialed out.
type ConnectionRole int

const (
	RoleListener ConnectionRole = iota
	RoleCaller
)

// connection is a live TCP/TLS peer. Its owning channel is a weak
// back-reference — relation plus lookup, never ownership, per spec.md §9:
// the channel owns the connection and the connection never extends the
// channel's lifetime.
type connection struct {
	remote Endpoint
	owner  streamChannel
	stream net.Conn
	role   ConnectionRole

	framer *streamFramer

	mu         sync.Mutex
	lastActive time.Time
	closed     bool
}

// streamChannel is the subset of Tcp/Tls state a connection needs from its
// owner: removing itself from the table and handing complete messages to
// the dispatcher.
type streamChannel interface {
	onConnectionClosed(c *connection)
	deliver(source Endpoint, data []byte)
	logError(remote Endpoint, err error)
}

func newConnection(owner streamChannel, remote Endpoint, stream net.Conn, role ConnectionRole) *connection {
	return &connection{
		remote:     remote,
		owner:      owner,
		stream:     stream,
		role:       role,
		framer:     newStreamFramer(),
		lastActive: time.Now(),
	}
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *connection) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActive)
}

func (c *connection) write(data []byte) error {
	c.touch()
	_, err := c.stream.Write(data)
	return err
}

func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.stream.Close()
}

// readLoop is the dedicated synchronous-read thread for this connection. It
// runs until the stream yields 0 bytes, errors, or is closed by the owner,
// at which point it unregisters itself and returns.
func (c *connection) readLoop() {
	defer c.owner.onConnectionClosed(c)
	buf := make([]byte, 64*1024)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.touch()
			c.framer.Feed(buf[:n])
			for {
				msg, ok, ferr := c.framer.Next()
				if ferr != nil {
					c.owner.logError(c.remote, ferr)
				}
				if !ok {
					break
				}
				c.owner.deliver(c.remote, msg)
			}
		}
		if err != nil {
			if n == 0 || err != nil {
				return
			}
		}
		if n == 0 {
			return
		}
	}
}

// connectionTable tracks live TCP/TLS peers under one mutex, shared with the
// in-flight-connect set per spec.md §4.1's locking discipline: never held
// across blocking I/O.
type connectionTable struct {
	mu          sync.Mutex
	conns       map[string]*connection
	connecting  map[string]struct{}
}

func newConnectionTable() *connectionTable {
	return &connectionTable{
		conns:      make(map[string]*connection),
		connecting: make(map[string]struct{}),
	}
}

func (t *connectionTable) get(ep Endpoint) (*connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[ep.String()]
	return c, ok
}

func (t *connectionTable) put(ep Endpoint, c *connection) {
	t.mu.Lock()
	t.conns[ep.String()] = c
	t.mu.Unlock()
}

func (t *connectionTable) remove(ep Endpoint, c *connection) {
	t.mu.Lock()
	if existing, ok := t.conns[ep.String()]; ok && existing == c {
		delete(t.conns, ep.String())
	}
	t.mu.Unlock()
}

// tryBeginConnect records that a connect attempt to ep is starting; it
// returns false if one is already outstanding.
func (t *connectionTable) tryBeginConnect(ep Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ep.String()
	if _, ok := t.connecting[key]; ok {
		return false
	}
	t.connecting[key] = struct{}{}
	return true
}

func (t *connectionTable) endConnect(ep Endpoint) {
	t.mu.Lock()
	delete(t.connecting, ep.String())
	t.mu.Unlock()
}

// Len reports the number of live connections.
func (t *connectionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Snapshot returns the remote endpoints of all live connections.
func (t *connectionTable) Snapshot() []Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Endpoint, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.remote)
	}
	return out
}

// pruneIdle removes connections idle longer than maxIdle from the table and
// returns them; closing them is left to the caller.
func (t *connectionTable) pruneIdle(maxIdle time.Duration) []*connection {
	now := time.Now()
	var pruned []*connection
	t.mu.Lock()
	for key, c := range t.conns {
		if c.idleFor(now) > maxIdle {
			pruned = append(pruned, c)
			delete(t.conns, key)
		}
	}
	t.mu.Unlock()
	return pruned
}
