package db

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type DB struct {
	conn *sql.DB
}

// pragmas tune sqlite for many concurrent readers and one writer.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=-64000",
	"PRAGMA foreign_keys=ON",
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := conn.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return nil, errors.Wrapf(err, "failed to apply %q", p)
		}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}

	return db, nil
}

// Schema is the room chat schema. Tests that open their own connection apply
// it directly.
const Schema = `
	CREATE TABLE IF NOT EXISTS members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nickname TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		author_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (author_id) REFERENCES members(id)
	);

	CREATE TABLE IF NOT EXISTS read_status (
		room_id TEXT NOT NULL,
		member_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, member_id),
		FOREIGN KEY (member_id) REFERENCES members(id)
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		member_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, member_id),
		FOREIGN KEY (member_id) REFERENCES members(id)
	);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		stored_name TEXT UNIQUE NOT NULL,
		file_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		content_type TEXT,
		author_id INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (author_id) REFERENCES members(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_author_id ON messages(author_id);
	CREATE INDEX IF NOT EXISTS idx_read_status_room_message ON read_status(room_id, message_id);
	CREATE INDEX IF NOT EXISTS idx_room_members_member_id ON room_members(member_id);
	CREATE INDEX IF NOT EXISTS idx_files_room_id ON files(room_id);
`

func (db *DB) migrate() error {
	_, err := db.conn.Exec(Schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}
