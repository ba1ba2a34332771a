package presence

import (
	"sort"
	"sync"
	"time"
)

// Presence statuses reported by clients.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Record is a point-in-time copy of one user's presence.
type Record struct {
	UserID        string    `json:"userId"`
	Role          string    `json:"role"`
	Status        string    `json:"status"`
	ConnectionIDs []string  `json:"connectionIds"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

type record struct {
	userID   string
	role     string
	status   string
	conns    map[string]struct{}
	lastSeen time.Time
}

// Registry maps authenticated users to their live connections. A user is
// online while at least one connection is registered.
type Registry struct {
	now func() time.Time

	mu     sync.Mutex
	users  map[string]*record
	owners map[string]string // connection id -> user id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		now:    time.Now,
		users:  make(map[string]*record),
		owners: make(map[string]string),
	}
}

// Register adds connID for userID and reports whether it is the user's first
// live connection (an online transition). Re-registering a known connection
// id is a no-op that reports false.
func (r *Registry) Register(userID, role, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[connID]; ok {
		return false
	}
	now := r.now()
	rec, ok := r.users[userID]
	if !ok {
		rec = &record{userID: userID, status: StatusOnline, conns: make(map[string]struct{})}
		r.users[userID] = rec
	}
	rec.role = role
	rec.lastSeen = now
	rec.conns[connID] = struct{}{}
	r.owners[connID] = userID
	return !ok
}

// Deregister removes connID. It returns the owning user and whether this was
// their last connection (an offline transition). Unknown ids are a no-op.
func (r *Registry) Deregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.owners[connID]
	if !ok {
		return "", false
	}
	delete(r.owners, connID)
	rec := r.users[userID]
	delete(rec.conns, connID)
	if len(rec.conns) > 0 {
		return userID, false
	}
	delete(r.users, userID)
	return userID, true
}

// Touch refreshes lastSeenAt for the user owning connID and optionally sets
// their status.
func (r *Registry) Touch(connID, status string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.owners[connID]
	if !ok {
		return "", false
	}
	rec := r.users[userID]
	rec.lastSeen = r.now()
	switch status {
	case StatusOnline, StatusAway, StatusBusy:
		rec.status = status
	}
	return userID, true
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// OnlineUsers returns the sorted ids of all online users.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Get returns a copy of the user's record.
func (r *Registry) Get(userID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.users[userID]
	if !ok {
		return Record{UserID: userID, Status: StatusOffline}, false
	}
	return rec.snapshot(), true
}

// Snapshot returns copies of all records ordered by user id.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.users))
	for _, rec := range r.users {
		out = append(out, rec.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stale returns the connection ids of users not seen since cutoff. The caller
// is expected to close those connections, which deregisters them.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.users {
		if rec.lastSeen.Before(cutoff) {
			for id := range rec.conns {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (rec *record) snapshot() Record {
	ids := make([]string, 0, len(rec.conns))
	for id := range rec.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Record{
		UserID:        rec.userID,
		Role:          rec.role,
		Status:        rec.status,
		ConnectionIDs: ids,
		LastSeenAt:    rec.lastSeen,
	}
}
