package hub

import (
	"crypto/sha1"
	"encoding/binary"
	"sync"
	"time"

	"Voxlink/internal/event"
)

const registryShards = 64 // tune: 16/64/128 depending on load

// Pipe is one live transport session's outbound side. *Client satisfies it;
// tests substitute in-memory fakes.
type Pipe interface {
	SafeSend(ev event.WsEvent, timeout time.Duration) bool
	Shutdown()
}

// PresenceListener receives edge-triggered presence transitions. Callbacks run
// inside the per-user critical section so transitions for one user can never
// interleave; implementations must not block (enqueue and return).
type PresenceListener interface {
	UserOnline(userID string)
	UserOffline(userID string, lastSeen time.Time)
}

type registryBucket struct {
	mu    sync.Mutex
	users map[string]map[string]Pipe // userID -> sessionID -> pipe
}

// Registry maps user identities to their live transport sessions and derives
// presence from the session count. State is process-local: it does not survive
// a restart and is not shared across horizontally scaled instances.
type Registry struct {
	shards   [registryShards]*registryBucket
	listener PresenceListener
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < registryShards; i++ {
		r.shards[i] = &registryBucket{
			users: make(map[string]map[string]Pipe),
		}
	}
	return r
}

// SetListener wires the presence listener. Must be called before any session
// registers.
func (r *Registry) SetListener(l PresenceListener) {
	r.listener = l
}

func shardOf(key string) uint32 {
	if key == "" {
		return 0
	}
	h := sha1.Sum([]byte(key))
	return binary.BigEndian.Uint32(h[:4]) % registryShards
}

// RegisterSession adds a session to the user's set. The 0->1 transition fires
// PresenceOnline; adding a second device to an already-online user fires
// nothing.
func (r *Registry) RegisterSession(userID, sessionID string, pipe Pipe) {
	b := r.shards[shardOf(userID)]
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions, ok := b.users[userID]
	if !ok {
		sessions = make(map[string]Pipe)
		b.users[userID] = sessions
	}
	wasEmpty := len(sessions) == 0
	sessions[sessionID] = pipe

	if wasEmpty && r.listener != nil {
		r.listener.UserOnline(userID)
	}
}

// UnregisterSession removes a session. The 1->0 transition fires
// PresenceOffline with the observed lastSeen instant.
func (r *Registry) UnregisterSession(userID, sessionID string) {
	b := r.shards[shardOf(userID)]
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions, ok := b.users[userID]
	if !ok {
		return
	}
	if _, present := sessions[sessionID]; !present {
		return
	}
	delete(sessions, sessionID)

	if len(sessions) == 0 {
		delete(b.users, userID)
		if r.listener != nil {
			r.listener.UserOffline(userID, time.Now())
		}
	}
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	b := r.shards[shardOf(userID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users[userID]) > 0
}

// SessionsFor returns the user's live pipes. The slice is a snapshot; sends
// happen outside the critical section.
func (r *Registry) SessionsFor(userID string) []Pipe {
	b := r.shards[shardOf(userID)]
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions := b.users[userID]
	if len(sessions) == 0 {
		return nil
	}
	pipes := make([]Pipe, 0, len(sessions))
	for _, p := range sessions {
		pipes = append(pipes, p)
	}
	return pipes
}

// SessionIDs returns the ids of the user's live sessions.
func (r *Registry) SessionIDs(userID string) []string {
	b := r.shards[shardOf(userID)]
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions := b.users[userID]
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	return ids
}

// Send delivers an event to every live session of one user and reports how
// many sessions accepted it.
func (r *Registry) Send(userID string, ev event.WsEvent, timeout time.Duration) int {
	sent := 0
	for _, p := range r.SessionsFor(userID) {
		if p.SafeSend(ev, timeout) {
			sent++
		}
	}
	return sent
}

// ShutdownAll tears down every live session. Used on server shutdown.
func (r *Registry) ShutdownAll() {
	for _, b := range r.shards {
		b.mu.Lock()
		pipes := make([]Pipe, 0)
		for _, sessions := range b.users {
			for _, p := range sessions {
				pipes = append(pipes, p)
			}
		}
		b.mu.Unlock()

		for _, p := range pipes {
			p.Shutdown()
		}
	}
}

// Counts returns (online users, live sessions) for monitoring.
func (r *Registry) Counts() (int, int) {
	users, sessions := 0, 0
	for _, b := range r.shards {
		b.mu.Lock()
		users += len(b.users)
		for _, s := range b.users {
			sessions += len(s)
		}
		b.mu.Unlock()
	}
	return users, sessions
}
