package metacache

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"instancewatch.app/internal/directory"
)

// Cache is the on-disk memory of directory lookups: world names and user
// records survive restarts and cover directory outages. Writes are
// low-rate (one row per resolution), so everything is synchronous on a
// single connection.
type Cache struct {
	db  *sql.DB
	log *log.Logger
	now func() time.Time
}

func Open(path string, logger *log.Logger) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("empty metacache path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db, log: logger, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS worlds (
			world_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			rank TEXT,
			is_group_member INTEGER NOT NULL DEFAULT 0,
			avatar_url TEXT,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_display_name ON users(display_name);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// WorldName implements directory.MetaCache.
func (c *Cache) WorldName(worldID string) (string, bool) {
	if c == nil || worldID == "" {
		return "", false
	}
	var name string
	err := c.db.QueryRow(`SELECT name FROM worlds WHERE world_id=?`, worldID).Scan(&name)
	if err != nil {
		if err != sql.ErrNoRows {
			c.printf("metacache world read failed id=%s err=%v", worldID, err)
		}
		return "", false
	}
	return name, true
}

func (c *Cache) PutWorldName(worldID, name string) {
	if c == nil || worldID == "" || name == "" {
		return
	}
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO worlds(world_id,name,updated_at) VALUES(?,?,?)`,
		worldID, name, c.now().UnixMilli())
	if err != nil {
		c.printf("metacache world write failed id=%s err=%v", worldID, err)
	}
}

// UserByName implements directory.MetaCache. When several cached users share
// a display name the most recently refreshed one wins.
func (c *Cache) UserByName(displayName string) (directory.UserRecord, bool) {
	var u directory.UserRecord
	if c == nil || displayName == "" {
		return u, false
	}
	var member int
	var rank, avatar sql.NullString
	err := c.db.QueryRow(
		`SELECT user_id, display_name, rank, is_group_member, avatar_url
		 FROM users WHERE display_name=? ORDER BY updated_at DESC LIMIT 1`,
		displayName).Scan(&u.ID, &u.DisplayName, &rank, &member, &avatar)
	if err != nil {
		if err != sql.ErrNoRows {
			c.printf("metacache user read failed name=%s err=%v", displayName, err)
		}
		return directory.UserRecord{}, false
	}
	u.Rank = rank.String
	u.AvatarURL = avatar.String
	u.IsGroupMember = member != 0
	return u, true
}

func (c *Cache) PutUser(u directory.UserRecord) {
	if c == nil || u.ID == "" || u.DisplayName == "" {
		return
	}
	member := 0
	if u.IsGroupMember {
		member = 1
	}
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO users(user_id,display_name,rank,is_group_member,avatar_url,updated_at)
		 VALUES(?,?,?,?,?,?)`,
		u.ID, u.DisplayName, u.Rank, member, u.AvatarURL, c.now().UnixMilli())
	if err != nil {
		c.printf("metacache user write failed id=%s err=%v", u.ID, err)
	}
}

func (c *Cache) printf(format string, args ...any) {
	if c != nil && c.log != nil {
		c.log.Printf(format, args...)
	}
}
