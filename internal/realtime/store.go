package realtime

import (
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// registryCapacity bounds the number of item presence sets held in memory.
// Bounding by capacity is the only backpressure on the registry; staleness
// is handled by explicit liveness sweeps, not cache expiry.
const registryCapacity = 4096

const defaultLivenessWindow = 30 * time.Minute

// presencePalette is the fixed set of display colors assigned to editors
// on one item. Exhaustion leaves later editors without a color, which is
// acceptable for the expected concurrent-editor count.
var presencePalette = []string{
	"#16a085",
	"#2980b9",
	"#8e44ad",
	"#c0392b",
	"#d35400",
	"#f39c12",
	"#27ae60",
	"#2c3e50",
	"#e84393",
}

// User is one live connection. It exists only in process memory: identity
// is either an internal user id or an external collaborator's email, and
// everything else is ephemeral UI state.
type User struct {
	// ConnID uniquely identifies the connection; one person editing in two
	// browser tabs is two Users.
	ConnID string
	// Key is the editor identity: "user:<id>" or "email:<address>".
	Key   string
	Email string

	LastSeen time.Time
	// ItemID is the item this connection is registered on, empty when the
	// connection has not registered yet.
	ItemID string

	FieldFocus    string
	FieldUpdating string
	Selection     json.RawMessage
	Color         string
}

// StoreConfig describes the registry dependencies.
type StoreConfig struct {
	LivenessWindow time.Duration
	Clock          func() time.Time
}

// Store is the process-wide connection registry: item id -> set of live
// Users. It is best-effort presence data with no cross-process consistency;
// horizontal scaling of the realtime server requires externalizing it.
type Store struct {
	mu             sync.RWMutex
	items          *lru.Cache[string, map[string]*User]
	livenessWindow time.Duration
	clock          func() time.Time
}

// NewStore constructs the connection registry.
func NewStore(cfg StoreConfig) (*Store, error) {
	window := cfg.LivenessWindow
	if window <= 0 {
		window = defaultLivenessWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	cache, err := lru.New[string, map[string]*User](registryCapacity)
	if err != nil {
		return nil, errors.New("realtime: failed to size registry cache")
	}
	return &Store{
		items:          cache,
		livenessWindow: window,
		clock:          clock,
	}, nil
}

// AddUser marks the connection as live. Presence existence is inferred from
// item registration sets, so there is nothing to index globally; this only
// stamps the initial heartbeat.
func (s *Store) AddUser(user *User) {
	if user == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user.LastSeen = s.clock()
}

// Touch refreshes the connection's heartbeat.
func (s *Store) Touch(user *User) {
	if user == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user.LastSeen = s.clock()
}

// ActivityUpdate carries partial presence state. Nil pointers leave the
// current value in place so clients can send only the keys that changed.
type ActivityUpdate struct {
	FieldFocus    *string
	FieldUpdating *string
	Selection     json.RawMessage
}

// UpdateActivity merges the update into the user's presence state under
// the registry lock. It returns the item the user is registered on; the
// second result is false when the user holds no registration, in which
// case nothing was applied.
func (s *Store) UpdateActivity(user *User, update ActivityUpdate) (string, bool) {
	if user == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ItemID == "" {
		return "", false
	}
	if update.FieldFocus != nil {
		user.FieldFocus = *update.FieldFocus
	}
	if update.FieldUpdating != nil {
		user.FieldUpdating = *update.FieldUpdating
	}
	if update.Selection != nil {
		user.Selection = update.Selection
	}
	return user.ItemID, true
}

// RegisteredItem returns the item the user is currently registered on,
// or the empty string. User state is only readable under the registry
// lock, so callers must not touch the fields directly.
func (s *Store) RegisteredItem(user *User) string {
	if user == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return user.ItemID
}

// RemoveUser discards the user from its registered item's set, if any,
// and returns the item id it vacated.
func (s *Store) RemoveUser(user *User) string {
	if user == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vacated := user.ItemID
	if vacated != "" {
		s.removeLocked(user)
	}
	return vacated
}

// RegisterUserOnItem assigns the user to the item's presence set, vacating
// any prior registration first so a connection never appears on two items,
// and allocates a display color unique among the item's current editors.
// The previous item id is returned so callers can announce the departure.
func (s *Store) RegisterUserOnItem(user *User, itemID string) string {
	if user == nil || itemID == "" {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := user.ItemID
	if previous != "" && previous != itemID {
		s.removeLocked(user)
	}

	set, ok := s.items.Get(itemID)
	if !ok {
		set = map[string]*User{}
		s.items.Add(itemID, set)
	}
	user.ItemID = itemID
	user.Color = s.pickColorLocked(set, user)
	set[user.ConnID] = user
	return previous
}

// UsersOnItem returns a snapshot of the item's live presence set. The
// snapshot is detached: entries are value copies taken under the lock,
// so callers never observe concurrent mutation.
func (s *Store) UsersOnItem(itemID string) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.items.Get(itemID)
	if !ok {
		return nil
	}
	users := make([]User, 0, len(set))
	for _, user := range set {
		users = append(users, *user)
	}
	return users
}

// ActiveItemIDs returns the item ids that currently hold presence sets.
func (s *Store) ActiveItemIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Keys()
}

// EliminateDeadConnections evicts every user on the item whose heartbeat
// predates the liveness window and returns value copies of the evicted
// users so the caller can broadcast their departure.
func (s *Store) EliminateDeadConnections(itemID string) []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.items.Get(itemID)
	if !ok {
		return nil
	}

	deadline := s.clock().Add(-s.livenessWindow)
	var evicted []User
	for connID, user := range set {
		if user.LastSeen.Before(deadline) {
			delete(set, connID)
			user.ItemID = ""
			evicted = append(evicted, *user)
		}
	}
	return evicted
}

func (s *Store) removeLocked(user *User) {
	if set, ok := s.items.Get(user.ItemID); ok {
		delete(set, user.ConnID)
	}
	user.ItemID = ""
}

// pickColorLocked draws a random permutation of the palette and picks the
// first color not already in use on the item. Returns the empty string on
// palette exhaustion.
func (s *Store) pickColorLocked(set map[string]*User, user *User) string {
	inUse := map[string]bool{}
	for _, other := range set {
		if other.ConnID != user.ConnID {
			inUse[other.Color] = true
		}
	}
	for _, index := range rand.Perm(len(presencePalette)) {
		candidate := presencePalette[index]
		if !inUse[candidate] {
			return candidate
		}
	}
	return ""
}
