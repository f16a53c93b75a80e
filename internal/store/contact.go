package store

import (
	"database/sql"
	"time"
)

// ObserveContact records a UUID-to-name binding learned from an envelope.
// Empty names never overwrite a known one.
func (db *DB) ObserveContact(id, name string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (id, name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		id, name, now)
	return err
}

// ContactName returns the display name for a contact id, or "" if unknown.
func (db *DB) ContactName(id string) (string, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM contacts WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}
