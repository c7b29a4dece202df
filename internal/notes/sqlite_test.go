package notes

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "notes.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestUser(t *testing.T, store *SQLiteStore, telegramID int64) int64 {
	t.Helper()
	id, err := store.GetOrCreateUser(context.Background(), telegramID)
	if err != nil {
		t.Fatalf("GetOrCreateUser(%d): %v", telegramID, err)
	}
	return id
}

func TestGetOrCreateUserStable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreateUser(ctx, 42)
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	second, err := store.GetOrCreateUser(ctx, 42)
	if err != nil {
		t.Fatalf("GetOrCreateUser (repeat): %v", err)
	}
	if first != second {
		t.Errorf("same telegram id resolved to %d then %d", first, second)
	}

	other, err := store.GetOrCreateUser(ctx, 43)
	if err != nil {
		t.Fatalf("GetOrCreateUser (other): %v", err)
	}
	if other == first {
		t.Errorf("distinct telegram ids share user id %d", first)
	}
}

func TestAddAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	added, err := store.Add(ctx, user, "buy milk", []string{"shopping"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == 0 {
		t.Error("Add returned zero id")
	}
	if len(added.Tags) != 1 || added.Tags[0] != "shopping" {
		t.Errorf("added tags = %v, want [shopping]", added.Tags)
	}

	notes, err := store.List(ctx, user)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("List returned %d notes, want 1", len(notes))
	}
	if notes[0].ID != added.ID || notes[0].Text != "buy milk" {
		t.Errorf("listed note = %+v", notes[0])
	}
	if len(notes[0].Tags) != 1 || notes[0].Tags[0] != "shopping" {
		t.Errorf("listed tags = %v, want [shopping]", notes[0].Tags)
	}
}

func TestListIsReadOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	if _, err := store.Add(ctx, user, "a", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Add(ctx, user, "b", []string{"x"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first, err := store.List(ctx, user)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	second, err := store.List(ctx, user)
	if err != nil {
		t.Fatalf("List (repeat): %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("repeated List sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Text != second[i].Text {
			t.Errorf("note %d changed between lists: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestDeletedIDNeverReused(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	first, err := store.Add(ctx, user, "doomed", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := store.Delete(ctx, user, first.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}

	second, err := store.Add(ctx, user, "replacement", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if second.ID == first.ID {
		t.Errorf("deleted id %d was reissued", first.ID)
	}
	if second.ID < first.ID {
		t.Errorf("ids went backwards: %d after %d", second.ID, first.ID)
	}
}

func TestDeleteUnknownIDIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	if _, err := store.Add(ctx, user, "keep me", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ok, err := store.Delete(ctx, user, 9999)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Error("Delete of unknown id reported true")
	}

	notes, err := store.List(ctx, user)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 1 {
		t.Errorf("note count after failed delete = %d, want 1", len(notes))
	}
}

func TestEditReplacesTextAndTags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	note, err := store.Add(ctx, user, "buy milk", []string{"shopping"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ok, err := store.Edit(ctx, user, note.ID, "buy oat milk", []string{"groceries", "vegan"})
	if err != nil || !ok {
		t.Fatalf("Edit = (%v, %v), want (true, nil)", ok, err)
	}

	notes, err := store.List(ctx, user)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("note count = %d, want 1", len(notes))
	}
	got := notes[0]
	if got.ID != note.ID {
		t.Errorf("edit changed id: %d -> %d", note.ID, got.ID)
	}
	if got.Text != "buy oat milk" {
		t.Errorf("text = %q, want %q", got.Text, "buy oat milk")
	}
	if len(got.Tags) != 2 {
		t.Fatalf("tags = %v, want [groceries vegan]", got.Tags)
	}
	for _, tag := range got.Tags {
		if tag == "shopping" {
			t.Error("old tag survived the edit")
		}
	}
}

func TestEditUnknownIDIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	ok, err := store.Edit(ctx, user, 12345, "nope", nil)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if ok {
		t.Error("Edit of unknown id reported true")
	}
}

func TestFindByTagCaseInsensitiveWholeName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	note, err := store.Add(ctx, user, "quarterly review", []string{"Work"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Case differences match.
	found, err := store.FindByTag(ctx, user, "work")
	if err != nil {
		t.Fatalf("FindByTag: %v", err)
	}
	if len(found) != 1 || found[0].ID != note.ID {
		t.Errorf("FindByTag(work) = %+v, want the note", found)
	}

	// Prefixes do not.
	found, err = store.FindByTag(ctx, user, "wor")
	if err != nil {
		t.Fatalf("FindByTag: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("FindByTag(wor) = %+v, want none", found)
	}
}

func TestTagsDeduplicateCaseInsensitively(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, store, 1)

	a, err := store.Add(ctx, user, "first", []string{"Work"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Add(ctx, user, "second", []string{"work"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Both notes resolve to the same tag row, so one query finds both.
	found, err := store.FindByTag(ctx, user, "WORK")
	if err != nil {
		t.Fatalf("FindByTag: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("FindByTag(WORK) = %d notes, want 2", len(found))
	}

	// The canonical spelling is the first one stored.
	if len(a.Tags) != 1 || a.Tags[0] != "Work" {
		t.Errorf("first note tags = %v, want [Work]", a.Tags)
	}
	notes, err := store.List(ctx, user)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, n := range notes {
		if len(n.Tags) != 1 || n.Tags[0] != "Work" {
			t.Errorf("note %d tags = %v, want [Work]", n.ID, n.Tags)
		}
	}
}

func TestUserIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, store, 100)
	bob := newTestUser(t, store, 200)

	note, err := store.Add(ctx, alice, "alice's secret", []string{"private"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Bob sees nothing.
	notes, err := store.List(ctx, bob)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("bob sees %d of alice's notes", len(notes))
	}
	found, err := store.FindByTag(ctx, bob, "private")
	if err != nil {
		t.Fatalf("FindByTag: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("bob finds %d of alice's notes by tag", len(found))
	}

	// Bob cannot mutate alice's note.
	ok, err := store.Delete(ctx, bob, note.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Error("bob deleted alice's note")
	}
	ok, err = store.Edit(ctx, bob, note.ID, "defaced", nil)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if ok {
		t.Error("bob edited alice's note")
	}

	// It is still intact.
	notes, err = store.List(ctx, alice)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 1 || notes[0].Text != "alice's secret" {
		t.Errorf("alice's notes after bob's attempts = %+v", notes)
	}
}
