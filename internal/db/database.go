package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by mutations targeting a room that does not exist.
var ErrNotFound = sql.ErrNoRows

type Database struct {
	db *sql.DB
}

type Room struct {
	RoomID      string
	Code        string
	Language    string
	ActiveUsers int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Save is one explicit save-code snapshot kept as room history.
type Save struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Code        string    `json:"code"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'javascript',
		active_users INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_saves (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		code TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_saves_room_id ON room_saves(room_id);
	CREATE INDEX IF NOT EXISTS idx_room_saves_created_at ON room_saves(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(roomID, code, language string) error {
	_, err := d.db.Exec(
		"INSERT INTO rooms (room_id, code, language) VALUES (?, ?, ?)",
		roomID, code, language,
	)
	return err
}

// GetRoom returns nil without an error when the room does not exist.
func (d *Database) GetRoom(roomID string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT room_id, code, language, active_users, created_at, updated_at FROM rooms WHERE room_id = ?",
		roomID,
	)

	var room Room
	err := row.Scan(&room.RoomID, &room.Code, &room.Language, &room.ActiveUsers, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT room_id, code, language, active_users, created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.RoomID, &room.Code, &room.Language, &room.ActiveUsers, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) UpdateCode(roomID, code string) error {
	res, err := d.db.Exec(
		"UPDATE rooms SET code = ?, updated_at = CURRENT_TIMESTAMP WHERE room_id = ?",
		code, roomID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateLanguage changes only the language tag. The code column is left
// alone so switching languages never wipes the buffer.
func (d *Database) UpdateLanguage(roomID, language string) error {
	res, err := d.db.Exec(
		"UPDATE rooms SET language = ?, updated_at = CURRENT_TIMESTAMP WHERE room_id = ?",
		language, roomID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (d *Database) IncrementActiveUsers(roomID string) error {
	res, err := d.db.Exec(
		"UPDATE rooms SET active_users = active_users + 1, updated_at = CURRENT_TIMESTAMP WHERE room_id = ?",
		roomID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DecrementActiveUsers clamps at zero; extra leave events never drive the
// counter negative.
func (d *Database) DecrementActiveUsers(roomID string) error {
	res, err := d.db.Exec(
		"UPDATE rooms SET active_users = MAX(active_users - 1, 0), updated_at = CURRENT_TIMESTAMP WHERE room_id = ?",
		roomID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (d *Database) DeleteRoom(roomID string) error {
	res, err := d.db.Exec("DELETE FROM rooms WHERE room_id = ?", roomID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HashContent returns a short content fingerprint for save deduplication
// and display.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

// Save history operations

func (d *Database) RecordSave(roomID, code, contentHash string) (*Save, error) {
	result, err := d.db.Exec(
		"INSERT INTO room_saves (room_id, code, content_hash) VALUES (?, ?, ?)",
		roomID, code, contentHash,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetSave(int(id))
}

func (d *Database) GetSave(id int) (*Save, error) {
	row := d.db.QueryRow(
		"SELECT id, room_id, code, content_hash, created_at FROM room_saves WHERE id = ?",
		id,
	)

	var s Save
	err := row.Scan(&s.ID, &s.RoomID, &s.Code, &s.ContentHash, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSaves returns a room's saves, newest first.
func (d *Database) ListSaves(roomID string, limit, offset int) ([]Save, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, code, content_hash, created_at
		FROM room_saves
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var saves []Save
	for rows.Next() {
		var s Save
		if err := rows.Scan(&s.ID, &s.RoomID, &s.Code, &s.ContentHash, &s.CreatedAt); err != nil {
			return nil, err
		}
		saves = append(saves, s)
	}
	return saves, rows.Err()
}

func (d *Database) GetSaveCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM room_saves WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// PruneSaves drops a room's oldest saves, keeping the most recent keepCount.
func (d *Database) PruneSaves(roomID string, keepCount int) error {
	_, err := d.db.Exec(`
		DELETE FROM room_saves
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM room_saves
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	return err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var saveCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_saves").Scan(&saveCount); err != nil {
		return nil, err
	}
	stats["save_count"] = saveCount

	return stats, nil
}
