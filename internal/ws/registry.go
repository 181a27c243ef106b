package ws

import (
	"sync"

	"go.uber.org/zap"

	"chat-sync/internal/observability"
)

// Peer is a live connection bound to one device session.
type Peer interface {
	SessionID() string
	UserID() int
	// Send enqueues a frame without blocking. It reports false when the
	// frame was not accepted.
	Send(frame []byte) bool
	Close()
}

// Registry maps device session ids to their live connection. A session has at
// most one live connection; a user may hold many sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Peer
	byUser   map[int]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Peer),
		byUser:   make(map[int]map[string]struct{}),
	}
}

// Register binds peer to its session. A connection already bound to the same
// session is closed and replaced.
func (r *Registry) Register(peer Peer) {
	sessionID := peer.SessionID()

	r.mu.Lock()
	old := r.sessions[sessionID]
	if old != nil && old.UserID() != peer.UserID() {
		r.unindex(old.UserID(), sessionID)
	}
	r.sessions[sessionID] = peer
	if _, ok := r.byUser[peer.UserID()]; !ok {
		r.byUser[peer.UserID()] = make(map[string]struct{})
	}
	r.byUser[peer.UserID()][sessionID] = struct{}{}
	r.mu.Unlock()

	if old != nil && old != peer {
		zap.L().Info("ws session superseded", zap.String("session_id", sessionID), zap.Int("user_id", peer.UserID()))
		observability.IncWSEvent("ws_superseded")
		old.Close()
	}
}

// Unregister removes whatever connection is bound to sessionID and returns it.
// Unknown ids are a no-op, so calling it twice is safe.
func (r *Registry) Unregister(sessionID string) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	r.unindex(peer.UserID(), sessionID)
	return peer
}

// Drop unregisters sessionID and closes its connection. It reports whether
// a connection was bound.
func (r *Registry) Drop(sessionID string) bool {
	peer := r.Unregister(sessionID)
	if peer == nil {
		return false
	}
	peer.Close()
	return true
}

// Release removes peer only if it is still the connection bound to its
// session. A superseded connection's exit path uses it so it never removes
// its successor.
func (r *Registry) Release(peer Peer) bool {
	sessionID := peer.SessionID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[sessionID]; !ok || current != peer {
		return false
	}
	delete(r.sessions, sessionID)
	r.unindex(peer.UserID(), sessionID)
	return true
}

// CloseAll unregisters and closes every live connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.sessions))
	for _, peer := range r.sessions {
		peers = append(peers, peer)
	}
	r.sessions = make(map[string]Peer)
	r.byUser = make(map[int]map[string]struct{})
	r.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
}

// Lookup returns the live connection of a session.
func (r *Registry) Lookup(sessionID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.sessions[sessionID]
	return peer, ok
}

// PeersForUsers returns a snapshot of every live connection owned by userIDs.
func (r *Registry) PeersForUsers(userIDs []int) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var peers []Peer
	for _, userID := range userIDs {
		for sessionID := range r.byUser[userID] {
			peers = append(peers, r.sessions[sessionID])
		}
	}
	return peers
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// unindex must be called with mu held.
func (r *Registry) unindex(userID int, sessionID string) {
	if sessions, ok := r.byUser[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byUser, userID)
		}
	}
}
