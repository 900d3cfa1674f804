package dispatcher

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp"
)

// ConnectionTable owns the live connections of a session, keyed by server name.
type ConnectionTable struct {
	lock  sync.RWMutex
	conns map[string]*mcp.Connection
	order []string
	dead  map[string]error
}

// NewConnectionTable returns an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{
		conns: make(map[string]*mcp.Connection),
		dead:  make(map[string]error),
	}
}

// Add registers c, replacing a previous connection of the same server.
// The replaced connection is closed.
func (t *ConnectionTable) Add(c *mcp.Connection) {
	t.lock.Lock()
	prev, ok := t.conns[c.Name()]
	t.conns[c.Name()] = c
	if !ok {
		t.order = append(t.order, c.Name())
	}
	delete(t.dead, c.Name())
	t.lock.Unlock()

	if prev != nil && prev != c {
		_ = prev.Close()
	}
}

// Get returns the connection of server.
func (t *ConnectionTable) Get(server string) (*mcp.Connection, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	c, ok := t.conns[server]
	return c, ok
}

// Names returns the server names in the order they were added.
func (t *ConnectionTable) Names() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return append([]string(nil), t.order...)
}

// MarkDead records that server is no longer usable.
// Returns true only for the first report.
func (t *ConnectionTable) MarkDead(server string, err error) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.dead[server]; ok {
		return false
	}
	if err == nil {
		err = mcp.ErrBrokenPipe
	}
	t.dead[server] = err
	return true
}

// Dead returns the error that killed server, or nil while it is healthy.
func (t *ConnectionTable) Dead(server string) error {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.dead[server]
}

// Close closes every connection and returns the combined errors.
func (t *ConnectionTable) Close() error {
	t.lock.Lock()
	conns := make([]*mcp.Connection, 0, len(t.order))
	for _, name := range t.order {
		conns = append(conns, t.conns[name])
	}
	t.lock.Unlock()

	var err error
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil {
			err = errors.CombineErrors(err, errors.WithMessagef(cerr, "failed to close %s", c.Name()))
		}
	}
	return err
}
