package app

import (
	"sync"
	"testing"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id core.SessionID

	mu     sync.Mutex
	alive  bool
	closed int
	full   bool
	sent   []protocol.Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: core.SessionID(id), alive: true}
}

func (c *fakeConn) ID() core.SessionID { return c.id }

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return domain.ErrConnectionClosed
	}
	if c.full {
		return domain.ErrBackpressure
	}
	env, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	c.closed++
}

func (c *fakeConn) die() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

func (c *fakeConn) messages() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

func (c *fakeConn) last(t *testing.T) protocol.Envelope {
	t.Helper()
	msgs := c.messages()
	require.NotEmpty(t, msgs, "no messages sent to %s", c.id)
	return msgs[len(msgs)-1]
}

func (c *fakeConn) types() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.Type)
	}
	return out
}
