package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, window time.Duration, clock func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{LivenessWindow: window, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func paletteContains(color string) bool {
	for _, candidate := range presencePalette {
		if candidate == color {
			return true
		}
	}
	return false
}

func TestRegisterUserOnItemAssignsDistinctColors(t *testing.T) {
	store := newTestStore(t, 0, nil)

	seen := map[string]bool{}
	for index := 0; index < 4; index++ {
		user := &User{ConnID: "conn-" + string(rune('a'+index)), Key: "user:u"}
		store.RegisterUserOnItem(user, "item-1")
		if !paletteContains(user.Color) {
			t.Fatalf("color %q not in palette", user.Color)
		}
		if seen[user.Color] {
			t.Fatalf("color %q assigned twice on one item", user.Color)
		}
		seen[user.Color] = true
	}

	if users := store.UsersOnItem("item-1"); len(users) != 4 {
		t.Fatalf("expected 4 users on item, got %d", len(users))
	}
}

func TestRegisterUserOnItemExhaustsPalette(t *testing.T) {
	store := newTestStore(t, 0, nil)

	for index := 0; index < len(presencePalette); index++ {
		user := &User{ConnID: "conn-" + string(rune('a'+index))}
		store.RegisterUserOnItem(user, "item-1")
		if user.Color == "" {
			t.Fatalf("expected a palette color for user %d", index)
		}
	}

	overflow := &User{ConnID: "conn-overflow"}
	store.RegisterUserOnItem(overflow, "item-1")
	if overflow.Color != "" {
		t.Fatalf("expected empty color on palette exhaustion, got %q", overflow.Color)
	}
}

func TestRegisterUserOnItemVacatesPriorRegistration(t *testing.T) {
	store := newTestStore(t, 0, nil)
	user := &User{ConnID: "conn-1", Key: "user:alice"}

	if previous := store.RegisterUserOnItem(user, "item-1"); previous != "" {
		t.Fatalf("first registration has nothing to vacate, got %q", previous)
	}
	if previous := store.RegisterUserOnItem(user, "item-2"); previous != "item-1" {
		t.Fatalf("expected vacated item-1 to be reported, got %q", previous)
	}

	if users := store.UsersOnItem("item-1"); len(users) != 0 {
		t.Fatalf("expected item-1 to be vacated, got %d users", len(users))
	}
	users := store.UsersOnItem("item-2")
	if len(users) != 1 || users[0].ConnID != "conn-1" {
		t.Fatalf("expected conn-1 on item-2, got %v", users)
	}
	if user.ItemID != "item-2" {
		t.Fatalf("expected registration to track item-2, got %q", user.ItemID)
	}
}

func TestRemoveUserClearsRegistration(t *testing.T) {
	store := newTestStore(t, 0, nil)
	user := &User{ConnID: "conn-1"}

	store.RegisterUserOnItem(user, "item-1")
	if vacated := store.RemoveUser(user); vacated != "item-1" {
		t.Fatalf("expected removal to report item-1, got %q", vacated)
	}

	if users := store.UsersOnItem("item-1"); len(users) != 0 {
		t.Fatalf("expected no users after removal, got %d", len(users))
	}
	if user.ItemID != "" {
		t.Fatalf("expected registration cleared, got %q", user.ItemID)
	}

	// Removing an unregistered user is a no-op.
	if vacated := store.RemoveUser(&User{ConnID: "conn-2"}); vacated != "" {
		t.Fatalf("unregistered user has nothing to vacate, got %q", vacated)
	}
	store.RemoveUser(nil)
}

func TestTouchRefreshesHeartbeat(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	store := newTestStore(t, 0, func() time.Time { return current })

	user := &User{ConnID: "conn-1"}
	store.AddUser(user)
	if !user.LastSeen.Equal(current) {
		t.Fatalf("expected initial heartbeat stamp, got %v", user.LastSeen)
	}

	current = current.Add(time.Minute)
	store.Touch(user)
	if !user.LastSeen.Equal(current) {
		t.Fatalf("expected refreshed heartbeat, got %v", user.LastSeen)
	}
}

func TestEliminateDeadConnections(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	store := newTestStore(t, 30*time.Minute, func() time.Time { return current })

	stale := &User{ConnID: "conn-stale"}
	fresh := &User{ConnID: "conn-fresh"}
	store.AddUser(stale)
	store.RegisterUserOnItem(stale, "item-1")

	current = current.Add(31 * time.Minute)
	store.AddUser(fresh)
	store.RegisterUserOnItem(fresh, "item-1")

	evicted := store.EliminateDeadConnections("item-1")
	if len(evicted) != 1 || evicted[0].ConnID != "conn-stale" {
		t.Fatalf("expected conn-stale to be evicted, got %v", evicted)
	}
	if stale.ItemID != "" {
		t.Fatalf("evicted user must lose its registration, got %q", stale.ItemID)
	}

	users := store.UsersOnItem("item-1")
	if len(users) != 1 || users[0].ConnID != "conn-fresh" {
		t.Fatalf("expected only conn-fresh to survive, got %v", users)
	}
}

func TestActiveItemIDs(t *testing.T) {
	store := newTestStore(t, 0, nil)

	store.RegisterUserOnItem(&User{ConnID: "conn-1"}, "item-1")
	store.RegisterUserOnItem(&User{ConnID: "conn-2"}, "item-2")

	ids := store.ActiveItemIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 active items, got %v", ids)
	}
}

func TestRegistryEvictsOldestItemBeyondCapacity(t *testing.T) {
	store := newTestStore(t, 0, nil)

	for index := 0; index <= registryCapacity; index++ {
		itemID := fmt.Sprintf("item-%d", index)
		store.RegisterUserOnItem(&User{ConnID: "conn-" + itemID}, itemID)
	}

	if ids := store.ActiveItemIDs(); len(ids) != registryCapacity {
		t.Fatalf("expected registry bounded at %d items, got %d", registryCapacity, len(ids))
	}
	if users := store.UsersOnItem("item-0"); len(users) != 0 {
		t.Fatalf("expected oldest item to be evicted, got %v", users)
	}
}

func TestUpdateActivityMergesPartialState(t *testing.T) {
	store := newTestStore(t, 0, nil)
	user := &User{ConnID: "conn-1", Key: "user:alice"}
	store.RegisterUserOnItem(user, "item-1")

	focus := "title"
	itemID, registered := store.UpdateActivity(user, ActivityUpdate{FieldFocus: &focus})
	if !registered || itemID != "item-1" {
		t.Fatalf("expected update on item-1, got %q registered=%v", itemID, registered)
	}

	updating := "body"
	store.UpdateActivity(user, ActivityUpdate{
		FieldUpdating: &updating,
		Selection:     json.RawMessage(`{"start":1}`),
	})

	users := store.UsersOnItem("item-1")
	if len(users) != 1 {
		t.Fatalf("expected one user, got %d", len(users))
	}
	if users[0].FieldFocus != "title" {
		t.Fatalf("partial update must not clear focus, got %q", users[0].FieldFocus)
	}
	if users[0].FieldUpdating != "body" {
		t.Fatalf("expected field_updating body, got %q", users[0].FieldUpdating)
	}
	if string(users[0].Selection) != `{"start":1}` {
		t.Fatalf("unexpected selection %s", users[0].Selection)
	}
}

func TestUpdateActivityIgnoresUnregisteredUser(t *testing.T) {
	store := newTestStore(t, 0, nil)
	focus := "title"

	if _, registered := store.UpdateActivity(&User{ConnID: "conn-1"}, ActivityUpdate{FieldFocus: &focus}); registered {
		t.Fatalf("unregistered user must not accept activity")
	}
	if _, registered := store.UpdateActivity(nil, ActivityUpdate{}); registered {
		t.Fatalf("nil user must not accept activity")
	}
}

func TestUsersOnItemReturnsDetachedCopies(t *testing.T) {
	store := newTestStore(t, 0, nil)
	store.RegisterUserOnItem(&User{ConnID: "conn-1", Key: "user:alice"}, "item-1")

	snapshot := store.UsersOnItem("item-1")
	snapshot[0].FieldFocus = "scribbled"

	if users := store.UsersOnItem("item-1"); users[0].FieldFocus != "" {
		t.Fatalf("snapshot mutation must not reach the registry, got %q", users[0].FieldFocus)
	}
}

func TestConcurrentActivityAndSweepStayConsistent(t *testing.T) {
	store := newTestStore(t, time.Hour, nil)
	user := &User{ConnID: "conn-1", Key: "user:alice"}
	store.AddUser(user)
	store.RegisterUserOnItem(user, "item-1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		focus := "title"
		for i := 0; i < 200; i++ {
			store.Touch(user)
			store.UpdateActivity(user, ActivityUpdate{FieldFocus: &focus})
		}
	}()

	for i := 0; i < 200; i++ {
		if _, err := presenceMessage("item-1", store.UsersOnItem("item-1")); err != nil {
			t.Fatalf("failed to render presence: %v", err)
		}
		store.EliminateDeadConnections("item-1")
	}
	wg.Wait()

	users := store.UsersOnItem("item-1")
	if len(users) != 1 || users[0].FieldFocus != "title" {
		t.Fatalf("expected the live user with its last focus, got %v", users)
	}
}
