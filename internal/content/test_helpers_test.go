package content

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustItemID(t *testing.T, value string) ItemID {
	t.Helper()
	id, err := NewItemID(value)
	if err != nil {
		t.Fatalf("unexpected item id error: %v", err)
	}
	return id
}

func mustEditorID(t *testing.T, value string) EditorID {
	t.Helper()
	id, err := NewEditorID(value)
	if err != nil {
		t.Fatalf("unexpected editor id error: %v", err)
	}
	return id
}

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type recordingNotifier struct {
	itemIDs []string
	befores []JSONMap
	afters  []JSONMap
}

func (n *recordingNotifier) AnnotationsChanged(itemID string, before, after JSONMap) {
	n.itemIDs = append(n.itemIDs, itemID)
	n.befores = append(n.befores, before)
	n.afters = append(n.afters, after)
}

func testSchema() Schema {
	return Schema{
		"title": {Name: "title", Kind: FieldKindPlainText},
		"body":  {Name: "body", Kind: FieldKindRichText},
		"state": {Name: "state", Kind: FieldKindChoice},
		"photo": {Name: "photo", Kind: FieldKindElastic, ElasticKind: FieldKindAsset},
	}
}

type testUpdaterOptions struct {
	sessionIDs   []string
	clock        func() time.Time
	notifier     AnnotationNotifier
	sessionBreak time.Duration
}

func newTestUpdater(t *testing.T, opts testUpdaterOptions) (*Updater, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:pilot_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Item{}, &EditSession{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	sessionIDs := opts.sessionIDs
	if sessionIDs == nil {
		sessionIDs = []string{"session-1", "session-2", "session-3"}
	}
	clock := opts.clock
	if clock == nil {
		clock = func() time.Time { return time.Unix(1700000600, 0).UTC() }
	}

	updater, err := NewUpdater(UpdaterConfig{
		Database:     db,
		Clock:        clock,
		IDProvider:   &staticIDGenerator{ids: sessionIDs},
		Schemas:      NewStaticSchemaProvider(map[string]Schema{"": testSchema()}),
		Notifier:     opts.notifier,
		SessionBreak: opts.sessionBreak,
	})
	if err != nil {
		t.Fatalf("failed to construct updater: %v", err)
	}

	return updater, db
}

func seedItem(t *testing.T, db *gorm.DB, item Item) {
	t.Helper()
	if item.DeskID == "" {
		item.DeskID = "desk-1"
	}
	if item.Content == nil {
		item.Content = JSONMap{}
	}
	if item.FieldVersions == nil {
		item.FieldVersions = VersionMap{}
	}
	if item.Annotations == nil {
		item.Annotations = JSONMap{}
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
}

func loadItem(t *testing.T, db *gorm.DB, itemID string) Item {
	t.Helper()
	var item Item
	if err := db.Where("item_id = ?", itemID).Take(&item).Error; err != nil {
		t.Fatalf("failed to load item: %v", err)
	}
	return item
}

func loadSessions(t *testing.T, db *gorm.DB, itemID string) []EditSession {
	t.Helper()
	var sessions []EditSession
	if err := db.Where("item_id = ?", itemID).
		Order("start_s ASC, session_id ASC").
		Find(&sessions).Error; err != nil {
		t.Fatalf("failed to load sessions: %v", err)
	}
	return sessions
}
