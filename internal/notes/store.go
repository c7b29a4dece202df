// Package notes provides per-user note and tag storage.
package notes

import "context"

// Note is a single stored note. ID is unique within the store for its
// whole lifetime: once issued it is never reassigned, even after the
// note is deleted.
type Note struct {
	ID   int64
	Text string
	Tags []string
}

// Store is the note store contract used by the tool layer. All
// operations are scoped to a user: one user's notes are never visible
// to another's calls.
type Store interface {
	// GetOrCreateUser resolves a Telegram identity to the internal user
	// id, creating the user record on first contact.
	GetOrCreateUser(ctx context.Context, telegramID int64) (int64, error)

	// List returns the user's notes in creation order. Listing twice
	// without an intervening mutation returns the same content.
	List(ctx context.Context, userID int64) ([]Note, error)

	// Add creates a note with the given text and tags and returns it.
	Add(ctx context.Context, userID int64, text string, tags []string) (Note, error)

	// Delete removes a note. Returns false when the note does not exist
	// or belongs to another user; that is not an error.
	Delete(ctx context.Context, userID, noteID int64) (bool, error)

	// Edit replaces a note's text and tags together. Returns false when
	// the note does not exist or belongs to another user.
	Edit(ctx context.Context, userID, noteID int64, newText string, tags []string) (bool, error)

	// FindByTag returns the user's notes carrying the given tag.
	// Matching is a case-insensitive comparison of whole tag names.
	FindByTag(ctx context.Context, userID int64, tag string) ([]Note, error)
}
