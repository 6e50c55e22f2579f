package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry tracks live connections per user. A user may hold any number of
// connections at once, one per device or tab.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Peer
	byUser map[string]map[string]Peer // userID -> connectionID -> peer
	logger *slog.Logger
}

// NewRegistry constructs an empty Registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:   make(map[string]Peer),
		byUser: make(map[string]map[string]Peer),
		logger: logger,
	}
}

// Register moves p to Live and makes it reachable by its user ID. Registering
// an already registered connection is a no-op.
func (r *Registry) Register(p Peer) (string, error) {
	if !p.MarkLive() {
		return "", ErrConnectionClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[p.ID()]; ok {
		return p.ID(), nil
	}
	r.byID[p.ID()] = p

	conns := r.byUser[p.UserID()]
	if conns == nil {
		conns = make(map[string]Peer)
		r.byUser[p.UserID()] = conns
	}
	conns[p.ID()] = p

	r.logger.Debug("connection registered", "connection_id", p.ID(), "user_id", p.UserID(), "user_connections", len(conns))
	return p.ID(), nil
}

// Unregister forgets a connection. It reports whether the connection was known.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(connectionID)
}

func (r *Registry) unregisterLocked(connectionID string) bool {
	p, ok := r.byID[connectionID]
	if !ok {
		return false
	}
	delete(r.byID, connectionID)

	if conns := r.byUser[p.UserID()]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.byUser, p.UserID())
		}
	}

	r.logger.Debug("connection unregistered", "connection_id", connectionID, "user_id", p.UserID())
	return true
}

// ConnectionsFor returns the user's live connections
func (r *Registry) ConnectionsFor(userID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Peer, 0, len(conns))
	for _, p := range conns {
		out = append(out, p)
	}
	return out
}

// ConnectionIDsFor returns the IDs of the user's live connections
func (r *Registry) ConnectionIDsFor(userID string) []string {
	peers := r.ConnectionsFor(userID)
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID())
	}
	return ids
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Sweep closes and forgets connections that have been silent since before
// cutoff. It returns how many were removed.
func (r *Registry) Sweep(cutoff time.Time) int {
	var stale []Peer

	r.mu.Lock()
	for id, p := range r.byID {
		if p.LastSeen().Before(cutoff) || p.State() == StateClosed {
			stale = append(stale, p)
			r.unregisterLocked(id)
		}
	}
	r.mu.Unlock()

	for _, p := range stale {
		p.Close(CloseHeartbeatLost, "heartbeat timeout")
	}
	return len(stale)
}

// RunJanitor sweeps connections silent for longer than timeout every
// interval, until ctx is done
func (r *Registry) RunJanitor(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now.Add(-timeout)); n > 0 {
				r.logger.Info("swept stale connections", "count", n)
			}
		}
	}
}

// CloseAll closes every registered connection and clears the registry
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.byID))
	for _, p := range r.byID {
		peers = append(peers, p)
	}
	r.byID = make(map[string]Peer)
	r.byUser = make(map[string]map[string]Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.Close(code, reason)
	}
}
