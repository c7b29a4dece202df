package notes

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store implementation. Tag names are
// deduplicated globally (case-insensitively); notes reference them
// through a many-to-many association table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the notes database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema. AUTOINCREMENT on notes.id keeps
// deleted ids from ever being reissued, so a stale id from an earlier
// turn can never silently name a different note.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id INTEGER NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS notes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		text       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id, id);

	CREATE TABLE IF NOT EXISTS tags (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE
	);

	CREATE TABLE IF NOT EXISTS note_tags (
		note_id INTEGER NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		tag_id  INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (note_id, tag_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateUser resolves a Telegram identity to the internal user id.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, telegramID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE telegram_id = ?`, telegramID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup user: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_id) VALUES (?)
		 ON CONFLICT(telegram_id) DO UPDATE SET telegram_id = telegram_id`,
		telegramID,
	)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil || id == 0 {
		// Upsert hit the conflict branch; re-read.
		if qerr := s.db.QueryRowContext(ctx,
			`SELECT id FROM users WHERE telegram_id = ?`, telegramID,
		).Scan(&id); qerr != nil {
			return 0, fmt.Errorf("re-read user: %w", qerr)
		}
	}
	return id, nil
}

// List returns the user's notes in creation order with their tags.
func (s *SQLiteStore) List(ctx context.Context, userID int64) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text FROM notes WHERE user_id = ? ORDER BY id ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var result []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Text); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	for i := range result {
		tags, err := s.noteTags(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Tags = tags
	}
	return result, nil
}

// Add creates a note with its tags in one transaction.
func (s *SQLiteStore) Add(ctx context.Context, userID int64, text string, tags []string) (Note, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO notes (user_id, text) VALUES (?, ?)`, userID, text,
	)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	noteID, err := res.LastInsertId()
	if err != nil {
		return Note{}, fmt.Errorf("note id: %w", err)
	}

	stored, err := attachTags(ctx, tx, noteID, tags)
	if err != nil {
		return Note{}, err
	}

	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("commit: %w", err)
	}
	return Note{ID: noteID, Text: text, Tags: stored}, nil
}

// Delete removes a note owned by the user. Absent or foreign ids are a
// no-op reported as false.
func (s *SQLiteStore) Delete(ctx context.Context, userID, noteID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = ? AND user_id = ?`, noteID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("delete note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete note: %w", err)
	}
	return n > 0, nil
}

// Edit replaces a note's text and tags together. The update and the tag
// re-association share one transaction so no observable state pairs old
// text with new tags or vice versa.
func (s *SQLiteStore) Edit(ctx context.Context, userID, noteID int64, newText string, tags []string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE notes SET text = ? WHERE id = ? AND user_id = ?`,
		newText, noteID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("update note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update note: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM note_tags WHERE note_id = ?`, noteID,
	); err != nil {
		return false, fmt.Errorf("clear tags: %w", err)
	}

	if _, err := attachTags(ctx, tx, noteID, tags); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// FindByTag returns the user's notes carrying the given tag name,
// compared case-insensitively as a whole string.
func (s *SQLiteStore) FindByTag(ctx context.Context, userID int64, tag string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.id, n.text FROM notes n
		 JOIN note_tags nt ON n.id = nt.note_id
		 JOIN tags t ON nt.tag_id = t.id
		 WHERE n.user_id = ? AND t.name = ? COLLATE NOCASE
		 ORDER BY n.id ASC`,
		userID, tag,
	)
	if err != nil {
		return nil, fmt.Errorf("find by tag: %w", err)
	}
	defer rows.Close()

	var result []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Text); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find by tag: %w", err)
	}

	for i := range result {
		tags, err := s.noteTags(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Tags = tags
	}
	return result, nil
}

// noteTags returns the tag names attached to one note.
func (s *SQLiteStore) noteTags(ctx context.Context, noteID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.name FROM tags t
		 JOIN note_tags nt ON t.id = nt.tag_id
		 WHERE nt.note_id = ?
		 ORDER BY t.id ASC`,
		noteID,
	)
	if err != nil {
		return nil, fmt.Errorf("note tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// attachTags associates tag names with a note inside tx, creating tag
// rows as needed. Names that collide case-insensitively resolve to the
// same tag row, so duplicates collapse. Returns the stored tag names.
func attachTags(ctx context.Context, tx *sql.Tx, noteID int64, tags []string) ([]string, error) {
	var stored []string
	for _, name := range tags {
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (name) VALUES (?)`, name,
		); err != nil {
			return nil, fmt.Errorf("insert tag: %w", err)
		}

		var tagID int64
		var canonical string
		if err := tx.QueryRowContext(ctx,
			`SELECT id, name FROM tags WHERE name = ? COLLATE NOCASE`, name,
		).Scan(&tagID, &canonical); err != nil {
			return nil, fmt.Errorf("lookup tag: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO note_tags (note_id, tag_id) VALUES (?, ?)`,
			noteID, tagID,
		)
		if err != nil {
			return nil, fmt.Errorf("associate tag: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored = append(stored, canonical)
		}
	}
	return stored, nil
}
