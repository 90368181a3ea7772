package app

import (
	"sync"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

type registryEntry struct {
	sid  core.SessionID
	conn core.SignalConnection
}

// Registry is the in-memory identity <-> connection map. All mutation
// happens under one lock so eviction and installation are a single step.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[domain.Identity]registryEntry
	bySID      map[core.SessionID]domain.Identity
}

var _ core.Registry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[domain.Identity]registryEntry),
		bySID:      make(map[core.SessionID]domain.Identity),
	}
}

func (r *Registry) Register(identity domain.Identity, conn core.SignalConnection) bool {
	sid := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if old, ok := r.byIdentity[identity]; ok && old.sid != sid {
		delete(r.bySID, old.sid)
		if old.conn.Alive() {
			old.conn.Close()
		}
		evicted = true
		log.Info().Str("module", "app.registry").Str("identity", identity.String()).Str("old_sid", string(old.sid)).Str("sid", string(sid)).Msg("evicted previous connection")
	}

	// A connection carries at most one identity.
	if prev, ok := r.bySID[sid]; ok && prev != identity {
		delete(r.byIdentity, prev)
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("identity", prev.String()).Msg("dropped previous identity of connection")
	}

	r.byIdentity[identity] = registryEntry{sid: sid, conn: conn}
	r.bySID[sid] = identity
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("identity", identity.String()).Msg("registered")
	return evicted
}

func (r *Registry) Lookup(identity domain.Identity) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) ResolveIdentity(sid core.SessionID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySID[sid]
	return id, ok
}

func (r *Registry) Remove(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.bySID[sid]
	if !ok {
		return
	}
	delete(r.bySID, sid)
	if e, ok := r.byIdentity[identity]; ok && e.sid == sid {
		delete(r.byIdentity, identity)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("identity", identity.String()).Msg("removed")
}

func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for identity, e := range r.byIdentity {
		if e.conn.Alive() {
			continue
		}
		delete(r.byIdentity, identity)
		delete(r.bySID, e.sid)
		removed++
		log.Info().Str("module", "app.registry").Str("sid", string(e.sid)).Str("identity", identity.String()).Msg("swept stale connection")
	}
	return removed
}

func (r *Registry) Identities() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Identity, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
