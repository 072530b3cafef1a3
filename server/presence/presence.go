// Package presence tracks, per server instance, which users have live
// connections attached. It is process-local, in-memory, and holds no
// durable state; Store.SetOnline is the authority clients observe, but
// presence is what decides when to flip it.
package presence

import "sync"

// cancelSender is the registry's half of a connection's one-shot
// cancellation signal; the connection holds the receiving end.
type cancelSender = chan<- struct{}

// Registry is a process-local map of user id to the set of live
// connections attached for that user. Safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	conns map[string][]cancelSender
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string][]cancelSender)}
}

// Register appends a new connection entry for user and returns the
// receiving end of its one-shot cancel channel. The registry retains the
// sending end until the connection is unregistered or kicked.
func (r *Registry) Register(user string) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.conns[user] = append(r.conns[user], ch)
	r.mu.Unlock()
	return ch
}

// UnregisterOne removes one connection entry for user. Order is
// unspecified (LIFO in this implementation); removing any single entry
// satisfies the contract.
func (r *Registry) UnregisterOne(user string) {
	r.UnregisterOneAndCount(user)
}

// UnregisterOneAndCount removes one connection entry for user and returns
// the number remaining, sampled under the same lock section as the
// removal so a concurrent Register can't race a stale remaining-count
// decision.
func (r *Registry) UnregisterOneAndCount(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.conns[user]
	if len(entries) == 0 {
		return 0
	}
	entries = entries[:len(entries)-1]
	if len(entries) == 0 {
		delete(r.conns, user)
	} else {
		r.conns[user] = entries
	}
	return len(entries)
}

// KickAll fires every connection's cancel signal for user, drops their
// entries, and returns how many were kicked. Used on login (to force
// competing sessions to terminate) and on logout.
func (r *Registry) KickAll(user string) int {
	r.mu.Lock()
	entries := r.conns[user]
	delete(r.conns, user)
	r.mu.Unlock()

	for _, ch := range entries {
		close(ch)
	}
	return len(entries)
}

// Count returns the number of live connections currently held for user.
func (r *Registry) Count(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[user])
}

