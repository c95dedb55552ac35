package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Store holds the accounts, characters and bans known to the proxy.
type Store struct {
	db  *Database
	now func() time.Time
}

// Account is a named login a character can belong to.
type Account struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Character is a player identity seen in a ClientConnect handshake.
type Character struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Species   string    `json:"species"`
	AccountID int64     `json:"account_id,omitempty"`
	LastIP    string    `json:"last_ip"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Ban blocks an IP address, a character UUID, or both.
type Ban struct {
	ID        int64      `json:"id"`
	IP        string     `json:"ip,omitempty"`
	UUID      string     `json:"uuid,omitempty"`
	Reason    string     `json:"reason"`
	BannedBy  string     `json:"banned_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the ban is in force at t.
func (b *Ban) Active(t time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(t)
}

// NewStore opens the database at dbPath and migrates its schema.
func NewStore(dbPath string) (*Store, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: database, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL COLLATE NOCASE,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS characters (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			species TEXT NOT NULL DEFAULT '',
			account_id INTEGER REFERENCES accounts(id) ON DELETE SET NULL,
			last_ip TEXT NOT NULL DEFAULT '',
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT NOT NULL DEFAULT '',
			uuid TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			banned_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			expires_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_bans_ip ON bans(ip);
		CREATE INDEX IF NOT EXISTS idx_bans_uuid ON bans(uuid);
		CREATE INDEX IF NOT EXISTS idx_characters_name ON characters(name);
	`

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("database schema migrated")
	return nil
}

// AccountByName returns the account called name, ignoring case.
func (s *Store) AccountByName(ctx context.Context, name string) (*Account, error) {
	row := s.db.QueryRow(ctx,
		"SELECT id, name, is_admin, created_at, last_seen FROM accounts WHERE name = ?", name)

	var a Account
	var created, seen int64
	if err := row.Scan(&a.ID, &a.Name, &a.IsAdmin, &created, &seen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	a.CreatedAt = time.Unix(created, 0)
	a.LastSeen = time.Unix(seen, 0)
	return &a, nil
}

// UpsertAccount creates the account if needed and refreshes its last seen
// time.
func (s *Store) UpsertAccount(ctx context.Context, name string) (*Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("account name is required")
	}

	now := s.now().Unix()
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (name, created_at, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_seen = excluded.last_seen
	`, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}
	return s.AccountByName(ctx, name)
}

// SetAdmin grants or revokes admin rights on an account.
func (s *Store) SetAdmin(ctx context.Context, name string, admin bool) error {
	res, err := s.db.Exec(ctx, "UPDATE accounts SET is_admin = ? WHERE name = ?", admin, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CharacterByUUID returns the character with the given UUID.
func (s *Store) CharacterByUUID(ctx context.Context, uuid string) (*Character, error) {
	row := s.db.QueryRow(ctx, `
		SELECT uuid, name, species, COALESCE(account_id, 0), last_ip, first_seen, last_seen
		FROM characters WHERE uuid = ?
	`, uuid)

	var c Character
	var first, last int64
	if err := row.Scan(&c.UUID, &c.Name, &c.Species, &c.AccountID, &c.LastIP, &first, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("character lookup failed: %w", err)
	}
	c.FirstSeen = time.Unix(first, 0)
	c.LastSeen = time.Unix(last, 0)
	return &c, nil
}

// RecordCharacter inserts or refreshes a character seen connecting.
func (s *Store) RecordCharacter(ctx context.Context, c Character) error {
	if c.UUID == "" {
		return errors.New("character uuid is required")
	}

	var account interface{}
	if c.AccountID != 0 {
		account = c.AccountID
	}

	now := s.now().Unix()
	_, err := s.db.Exec(ctx, `
		INSERT INTO characters (uuid, name, species, account_id, last_ip, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			species = excluded.species,
			account_id = COALESCE(excluded.account_id, characters.account_id),
			last_ip = excluded.last_ip,
			last_seen = excluded.last_seen
	`, c.UUID, c.Name, c.Species, account, c.LastIP, now, now)
	if err != nil {
		return fmt.Errorf("failed to record character: %w", err)
	}
	return nil
}

// AddBan stores a ban and returns its id. At least one of IP and UUID must
// be set.
func (s *Store) AddBan(ctx context.Context, b Ban) (int64, error) {
	if b.IP == "" && b.UUID == "" {
		return 0, errors.New("a ban needs an ip or a uuid")
	}

	var expires interface{}
	if b.ExpiresAt != nil {
		expires = b.ExpiresAt.Unix()
	}

	res, err := s.db.Exec(ctx,
		"INSERT INTO bans (ip, uuid, reason, banned_by, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
		b.IP, b.UUID, b.Reason, b.BannedBy, s.now().Unix(), expires)
	if err != nil {
		return 0, fmt.Errorf("failed to add ban: %w", err)
	}

	id, _ := res.LastInsertId()
	log.Info().
		Int64("ban_id", id).
		Str("ip", b.IP).
		Str("uuid", b.UUID).
		Str("reason", b.Reason).
		Msg("ban added")
	return id, nil
}

// RemoveBan deletes a ban by id.
func (s *Store) RemoveBan(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx, "DELETE FROM bans WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveBansFor deletes every ban on the given IP or UUID and returns how
// many were removed.
func (s *Store) RemoveBansFor(ctx context.Context, ipOrUUID string) (int64, error) {
	res, err := s.db.Exec(ctx, "DELETE FROM bans WHERE ip = ? OR uuid = ?", ipOrUUID, ipOrUUID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BanByIP returns the newest active ban on ip.
func (s *Store) BanByIP(ctx context.Context, ip string) (*Ban, error) {
	return s.activeBan(ctx, "ip", ip)
}

// BanByUUID returns the newest active ban on a character UUID.
func (s *Store) BanByUUID(ctx context.Context, uuid string) (*Ban, error) {
	return s.activeBan(ctx, "uuid", uuid)
}

func (s *Store) activeBan(ctx context.Context, column, value string) (*Ban, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `
		SELECT id, ip, uuid, reason, banned_by, created_at, expires_at FROM bans
		WHERE `+column+` = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY id DESC LIMIT 1
	`, value, s.now().Unix())

	b, err := scanBan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ban lookup failed: %w", err)
	}
	return b, nil
}

// ListBans returns every stored ban, newest first.
func (s *Store) ListBans(ctx context.Context) ([]Ban, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, ip, uuid, reason, banned_by, created_at, expires_at FROM bans ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bans := []Ban{}
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		bans = append(bans, *b)
	}
	return bans, rows.Err()
}

// CleanExpiredBans removes bans that have run out.
func (s *Store) CleanExpiredBans(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx,
		"DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBan(row scanner) (*Ban, error) {
	var b Ban
	var created int64
	var expires sql.NullInt64
	if err := row.Scan(&b.ID, &b.IP, &b.UUID, &b.Reason, &b.BannedBy, &created, &expires); err != nil {
		return nil, err
	}
	b.CreatedAt = time.Unix(created, 0)
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		b.ExpiresAt = &t
	}
	return &b, nil
}
