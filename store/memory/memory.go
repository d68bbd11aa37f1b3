// Package memory provides in-memory points and clients stores (for tests and
// local development).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/points"
)

// =============================================================================
// MEMORY STORE - Shared state of both views
// =============================================================================

// Memory implements points.TxStore. Clients() returns the clients.TxStore
// over the same data, so LockClient sees registered clients.
type Memory struct {
	mu      sync.RWMutex
	entries map[points.EntryID]points.Entry
	clients map[clients.ID]clients.Client
}

func New() *Memory {
	return &Memory{
		entries: make(map[points.EntryID]points.Entry),
		clients: make(map[clients.ID]clients.Client),
	}
}

// Clients returns the client view of the store.
func (m *Memory) Clients() *Clients {
	return &Clients{m: m}
}

// WithTx executes fn while holding the store lock.
// Writes go straight to the maps; an error restores the snapshot taken on
// entry.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&entriesView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&entriesView{m: m}).GetEntry(ctx, id)
}

func (m *Memory) InsertEntry(ctx context.Context, e points.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&entriesView{m: m}).InsertEntry(ctx, e)
}

func (m *Memory) UpdateEntry(ctx context.Context, e points.Entry, expected points.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&entriesView{m: m}).UpdateEntry(ctx, e, expected)
}

func (m *Memory) EntriesByClient(ctx context.Context, clientID points.ClientID) ([]points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&entriesView{m: m}).EntriesByClient(ctx, clientID)
}

// LockClient is an existence check; WithTx already serializes everything.
func (m *Memory) LockClient(ctx context.Context, clientID points.ClientID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&entriesView{m: m}).LockClient(ctx, clientID)
}

type snapshot struct {
	entries map[points.EntryID]points.Entry
	clients map[clients.ID]clients.Client
}

func (m *Memory) snapshot() snapshot {
	s := snapshot{
		entries: make(map[points.EntryID]points.Entry, len(m.entries)),
		clients: make(map[clients.ID]clients.Client, len(m.clients)),
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.clients {
		s.clients[k] = v
	}
	return s
}

func (m *Memory) restore(s snapshot) {
	m.entries = s.entries
	m.clients = s.clients
}

// =============================================================================
// ENTRIES VIEW - Unlocked access, caller holds m.mu
// =============================================================================

type entriesView struct {
	m *Memory
}

func (v *entriesView) GetEntry(_ context.Context, id points.EntryID) (points.Entry, error) {
	e, ok := v.m.entries[id]
	if !ok {
		return points.Entry{}, &points.NotFoundError{What: "entry", ID: string(id)}
	}
	return e, nil
}

func (v *entriesView) InsertEntry(_ context.Context, e points.Entry) error {
	v.m.entries[e.ID] = e
	return nil
}

func (v *entriesView) UpdateEntry(_ context.Context, e points.Entry, expected points.Status) error {
	cur, ok := v.m.entries[e.ID]
	if !ok {
		return &points.NotFoundError{What: "entry", ID: string(e.ID)}
	}
	if cur.Status != expected {
		return points.ErrConcurrentModification
	}
	v.m.entries[e.ID] = e
	return nil
}

func (v *entriesView) EntriesByClient(_ context.Context, clientID points.ClientID) ([]points.Entry, error) {
	var out []points.Entry
	for _, e := range v.m.entries {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (v *entriesView) LockClient(_ context.Context, clientID points.ClientID) (bool, error) {
	_, ok := v.m.clients[clients.ID(clientID)]
	return ok, nil
}

// =============================================================================
// CLIENTS VIEW
// =============================================================================

// Clients implements clients.TxStore on top of a Memory.
type Clients struct {
	m *Memory
}

func (c *Clients) WithTx(ctx context.Context, fn func(clients.Store) error) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	snap := c.m.snapshot()
	if err := fn(&clientsView{m: c.m}); err != nil {
		c.m.restore(snap)
		return err
	}
	return nil
}

func (c *Clients) Get(ctx context.Context, id clients.ID) (clients.Client, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	return (&clientsView{m: c.m}).Get(ctx, id)
}

func (c *Clients) GetByReferralCode(ctx context.Context, code string) (clients.Client, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	return (&clientsView{m: c.m}).GetByReferralCode(ctx, code)
}

func (c *Clients) Insert(ctx context.Context, cl clients.Client) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return (&clientsView{m: c.m}).Insert(ctx, cl)
}

func (c *Clients) Update(ctx context.Context, cl clients.Client) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return (&clientsView{m: c.m}).Update(ctx, cl)
}

func (c *Clients) Children(ctx context.Context, id clients.ID) ([]clients.Client, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	return (&clientsView{m: c.m}).Children(ctx, id)
}

type clientsView struct {
	m *Memory
}

func (v *clientsView) Get(_ context.Context, id clients.ID) (clients.Client, error) {
	cl, ok := v.m.clients[id]
	if !ok {
		return clients.Client{}, clients.ErrClientNotFound
	}
	return cl, nil
}

func (v *clientsView) GetByReferralCode(_ context.Context, code string) (clients.Client, error) {
	for _, cl := range v.m.clients {
		if cl.ReferralCode == code {
			return cl, nil
		}
	}
	return clients.Client{}, clients.ErrClientNotFound
}

func (v *clientsView) Insert(ctx context.Context, cl clients.Client) error {
	if _, err := v.GetByReferralCode(ctx, cl.ReferralCode); err == nil {
		return clients.ErrReferralCodeTaken
	}
	v.m.clients[cl.ID] = cl
	return nil
}

func (v *clientsView) Update(_ context.Context, cl clients.Client) error {
	if _, ok := v.m.clients[cl.ID]; !ok {
		return clients.ErrClientNotFound
	}
	v.m.clients[cl.ID] = cl
	return nil
}

func (v *clientsView) Children(_ context.Context, id clients.ID) ([]clients.Client, error) {
	var out []clients.Client
	for _, cl := range v.m.clients {
		if cl.ReferrerID != nil && *cl.ReferrerID == id {
			out = append(out, cl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
