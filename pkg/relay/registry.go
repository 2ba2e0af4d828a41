package relay

import (
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

// Status is an alias for wire.Status, so server-internal presence state and
// the values carried on the wire are the same type.
type Status = wire.Status

const (
	StatusOffline = wire.Offline
	StatusOnline  = wire.Online
	StatusAway    = wire.Away
)

// Disposition is an alias for wire.Disposition, in the same way Status
// aliases wire.Status above.
type Disposition = wire.Disposition

const (
	DispositionFailed        = wire.DispositionFailed
	DispositionDeliveredLive = wire.DispositionDeliveredLive
	DispositionQueued        = wire.DispositionQueued
)

// User is a registered account: a username bound to an immutable public key,
// plus mutable presence state.
type User struct {
	Username  string
	PublicKey [wire.PublicKeySize]byte
	Status    Status
	LastSeen  time.Time
}

// isValidUsername reports whether name satisfies spec.md's username rules:
// 1-31 bytes, ASCII [A-Za-z0-9_].
func isValidUsername(name string) bool {
	if len(name) < 1 || len(name) > wire.MaxUsernameLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

// AddResult is the outcome of a UserRegistry.Add call.
type AddResult int

const (
	AddOK AddResult = iota
	AddInvalidUsername
	AddExists
	AddCapacityExceeded
)

// UserRegistry maps usernames to accounts for the lifetime of one server
// run. It is append-only: once a username is registered its public key is
// never overwritten, matching the invariant in spec.md §3/§8.
//
// A single mutex guards both the uniqueness check and the insertion so Add
// is atomic, per spec.md §4.2 ("add is atomic: uniqueness and insertion
// occur under a single registry lock").
type UserRegistry struct {
	maxUsers int

	mu    sync.RWMutex
	users map[string]*User
}

// NewUserRegistry creates an empty registry capped at maxUsers accounts.
func NewUserRegistry(maxUsers int) *UserRegistry {
	return &UserRegistry{
		maxUsers: maxUsers,
		users:    make(map[string]*User),
	}
}

// Find looks up a username. The returned User is a copy; callers must not
// rely on it reflecting later status changes.
func (r *UserRegistry) Find(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Add registers a new username/public-key pair. If the username already
// exists, its public key is left untouched and AddExists is returned.
func (r *UserRegistry) Add(username string, pubkey [wire.PublicKeySize]byte) AddResult {
	if !isValidUsername(username) {
		return AddInvalidUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[username]; exists {
		return AddExists
	}
	if r.maxUsers > 0 && len(r.users) >= r.maxUsers {
		return AddCapacityExceeded
	}

	r.users[username] = &User{
		Username:  username,
		PublicKey: pubkey,
		Status:    StatusOffline,
		LastSeen:  time.Now(),
	}
	return AddOK
}

// SetStatus updates a registered user's presence, last-write-wins under the
// registry lock. It is a no-op if the username is not registered.
func (r *UserRegistry) SetStatus(username string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[username]
	if !ok {
		return
	}
	u.Status = status
	u.LastSeen = time.Now()
}

// Len reports the current number of registered users.
func (r *UserRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// List returns a snapshot of every registered user, for LIST_USERS.
func (r *UserRegistry) List() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	return out
}
