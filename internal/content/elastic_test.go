package content

import (
	"context"
	"testing"
)

func TestDeleteElasticElementShiftsHigherElements(t *testing.T) {
	updater, db := newTestUpdater(t, testUpdaterOptions{})
	seedItem(t, db, Item{
		ItemID: "item-1",
		Content: JSONMap{
			"photo-0": "asset://a.jpg",
			"photo-1": "asset://b.jpg",
			"photo-2": "asset://c.jpg",
		},
		Annotations: JSONMap{
			"photo-2": map[string]any{"thread-1": "nice shot"},
		},
		FieldVersions: VersionMap{"photo-0": 1, "photo-1": 2, "photo-2": 3},
	})

	err := updater.DeleteElasticElement(context.Background(),
		mustItemID(t, "item-1"), mustEditorID(t, "user:alice"), "photo", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := loadItem(t, db, "item-1")
	if stored.Content["photo-0"] != "asset://a.jpg" {
		t.Fatalf("lower element must stay put, got %v", stored.Content["photo-0"])
	}
	if stored.Content["photo-1"] != "asset://c.jpg" {
		t.Fatalf("higher element must shift down, got %v", stored.Content["photo-1"])
	}
	if _, exists := stored.Content["photo-2"]; exists {
		t.Fatalf("last slot must be vacated")
	}

	annotations, ok := stored.Annotations["photo-1"].(map[string]any)
	if !ok || annotations["thread-1"] != "nice shot" {
		t.Fatalf("annotations must shift with their element, got %v", stored.Annotations)
	}
	if _, exists := stored.Annotations["photo-2"]; exists {
		t.Fatalf("vacated slot must drop its annotations")
	}

	if stored.FieldVersions["photo-1"] != 3 {
		t.Fatalf("shifted slot must be bumped, got %d", stored.FieldVersions["photo-1"])
	}
	if stored.FieldVersions["photo-0"] != 1 {
		t.Fatalf("untouched slot must keep its version, got %d", stored.FieldVersions["photo-0"])
	}
	if stored.LastEditor != "user:alice" {
		t.Fatalf("unexpected last editor %s", stored.LastEditor)
	}

	if sessions := loadSessions(t, db, "item-1"); len(sessions) != 1 {
		t.Fatalf("reindex must open or extend a session, got %d", len(sessions))
	}
}

func TestDeleteElasticElementRemovesLastElement(t *testing.T) {
	updater, db := newTestUpdater(t, testUpdaterOptions{})
	seedItem(t, db, Item{
		ItemID: "item-1",
		Content: JSONMap{
			"photo-0": "asset://a.jpg",
			"photo-1": "asset://b.jpg",
		},
		FieldVersions: VersionMap{"photo-0": 1, "photo-1": 1},
	})

	err := updater.DeleteElasticElement(context.Background(),
		mustItemID(t, "item-1"), mustEditorID(t, "user:alice"), "photo", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := loadItem(t, db, "item-1")
	if _, exists := stored.Content["photo-1"]; exists {
		t.Fatalf("deleted last element must be vacated")
	}
	if stored.Content["photo-0"] != "asset://a.jpg" {
		t.Fatalf("remaining element must stay put, got %v", stored.Content["photo-0"])
	}
	if stored.FieldVersions["photo-0"] != 1 {
		t.Fatalf("no slot shifted, so no version changes, got %d", stored.FieldVersions["photo-0"])
	}
}

func TestDeleteElasticElementUnknownFieldIsNoop(t *testing.T) {
	updater, db := newTestUpdater(t, testUpdaterOptions{})
	seedItem(t, db, Item{
		ItemID:        "item-1",
		Content:       JSONMap{"title": "keep me"},
		FieldVersions: VersionMap{"title": 1},
	})

	err := updater.DeleteElasticElement(context.Background(),
		mustItemID(t, "item-1"), mustEditorID(t, "user:alice"), "title", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := loadItem(t, db, "item-1")
	if stored.Content["title"] != "keep me" {
		t.Fatalf("non-elastic field must be untouched, got %v", stored.Content["title"])
	}
	if sessions := loadSessions(t, db, "item-1"); len(sessions) != 0 {
		t.Fatalf("noop deletion must not open a session, got %d", len(sessions))
	}
}

func TestDeleteElasticElementValidatesArguments(t *testing.T) {
	updater, _ := newTestUpdater(t, testUpdaterOptions{})

	err := updater.DeleteElasticElement(context.Background(),
		mustItemID(t, "item-1"), mustEditorID(t, "user:alice"), "", 0)
	if err == nil {
		t.Fatalf("expected error for empty field name")
	}

	err = updater.DeleteElasticElement(context.Background(),
		mustItemID(t, "item-1"), mustEditorID(t, "user:alice"), "photo", -1)
	if err == nil {
		t.Fatalf("expected error for negative index")
	}
}
