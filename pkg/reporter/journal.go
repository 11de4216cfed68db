package reporter

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Journal is the on-disk store-and-forward buffer: events that cannot be
// published while the server is unreachable are appended here and drained
// once connectivity returns, oldest first.
type Journal struct {
	db *sql.DB
}

// JournalEntry is one spooled publication.
type JournalEntry struct {
	ID      int64
	Subject string
	Payload []byte
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	// The journal is accessed from one goroutine; a single connection
	// avoids sqlite lock contention entirely.
	db.SetMaxOpenConns(1)

	const schema = `
		CREATE TABLE IF NOT EXISTS journal (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			subject    TEXT    NOT NULL,
			payload    BLOB    NOT NULL,
			created_at INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Append spools one publication.
func (j *Journal) Append(subject string, payload []byte) error {
	_, err := j.db.Exec(
		"INSERT INTO journal (subject, payload, created_at) VALUES (?, ?, ?)",
		subject, payload, time.Now().UnixMilli(),
	)
	return err
}

// NextBatch returns up to limit entries, oldest first.
func (j *Journal) NextBatch(limit int) ([]JournalEntry, error) {
	rows, err := j.db.Query(
		"SELECT id, subject, payload FROM journal ORDER BY id LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Subject, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes delivered entries.
func (j *Journal) Delete(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := j.db.Exec("DELETE FROM journal WHERE id IN ("+placeholders+")", args...)
	return err
}

// Len counts spooled entries.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.QueryRow("SELECT COUNT(*) FROM journal").Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
