package store

import (
	"database/sql"
	"time"
)

// ObserveChat records that a conversation produced a message. A new chat
// starts unregistered; an existing chat keeps its registration and only
// advances its name and last-seen timestamp. The name is kept only when
// non-empty, so a later envelope without a profile name does not erase one
// learned earlier.
func (db *DB) ObserveChat(identity, name string, isGroup bool, lastSeenMs int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (identity, name, is_group, registered, last_seen_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			last_seen_at = MAX(chats.last_seen_at, excluded.last_seen_at),
			updated_at = excluded.updated_at`,
		identity, name, isGroup, lastSeenMs, now)
	return err
}

// Register marks a conversation as registered, creating the row if the
// chat was never observed.
func (db *DB) Register(identity string, isGroup bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (identity, name, is_group, registered, last_seen_at, updated_at)
		VALUES (?, '', ?, 1, 0, ?)
		ON CONFLICT(identity) DO UPDATE SET
			registered = 1,
			updated_at = excluded.updated_at`,
		identity, isGroup, now)
	return err
}

// Unregister clears the registration without forgetting the chat.
func (db *DB) Unregister(identity string) error {
	_, err := db.Exec(`UPDATE chats SET registered = 0, updated_at = ? WHERE identity = ?`,
		time.Now().UnixMilli(), identity)
	return err
}

// IsRegistered reports whether a conversation is registered for handling.
func (db *DB) IsRegistered(identity string) (bool, error) {
	var registered bool
	err := db.QueryRow(`SELECT registered FROM chats WHERE identity = ?`, identity).Scan(&registered)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return registered, nil
}

// ListChats returns observed chats sorted by most recent activity.
func (db *DB) ListChats(limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT identity, name, is_group, registered, last_seen_at
		FROM chats
		ORDER BY last_seen_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.Identity, &c.Name, &c.IsGroup, &c.Registered, &c.LastSeenAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
