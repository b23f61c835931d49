// Package sqlstore keeps signer keys and identities in a SQL database
// (SQLite or PostgreSQL) and serves them to jwtauth.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-utils-jwtauth"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS signer_keys (
		subject    TEXT NOT NULL,
		key_id     TEXT NOT NULL,
		public_key TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'active',
		not_before TIMESTAMP NULL,
		not_after  TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (subject, key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS identities (
		subject    TEXT PRIMARY KEY,
		id         TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL DEFAULT 'user',
		active     BOOLEAN NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// Store implements jwtauth.KeyResolver and jwtauth.IdentityStore.
type Store struct {
	db     *sql.DB
	driver Driver
	now    func() time.Time
}

var (
	_ jwtauth.KeyResolver   = (*Store)(nil)
	_ jwtauth.IdentityStore = (*Store)(nil)
)

// Open connects to dsn with the driver DetectDriver picks.
func Open(dsn string) (*Store, error) {
	driver := DetectDriver(dsn)
	if driver == SQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	switch driver {
	case SQLite:
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case PostgreSQL:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return New(db, driver), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver, now: time.Now}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// KeyOptions carries the optional fields of a signer key.
type KeyOptions struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// AddKey stores a PEM or JWK encoded public key for subject. An existing
// key with the same id is replaced and reactivated.
func (s *Store) AddKey(ctx context.Context, subject, keyID string, encoded []byte, opts KeyOptions) error {
	if subject == "" || keyID == "" {
		return errors.New("subject and key id are required")
	}
	if _, err := jwtauth.ParsePublicKey(encoded); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO signer_keys (subject, key_id, public_key, status, not_before, not_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject, key_id) DO UPDATE SET
			public_key = excluded.public_key,
			status = excluded.status,
			not_before = excluded.not_before,
			not_after = excluded.not_after`),
		subject, keyID, string(encoded), string(jwtauth.KeyActive),
		nullTime(opts.NotBefore), nullTime(opts.NotAfter), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add key %s/%s: %w", subject, keyID, err)
	}
	return nil
}

// RevokeKey marks a key revoked. It reports whether a key was found.
func (s *Store) RevokeKey(ctx context.Context, subject, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.driver,
		`UPDATE signer_keys SET status = ? WHERE subject = ? AND key_id = ?`),
		string(jwtauth.KeyRevoked), subject, keyID,
	)
	if err != nil {
		return false, fmt.Errorf("revoke key %s/%s: %w", subject, keyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveKeys implements jwtauth.KeyResolver. Rows whose key no longer
// parses are skipped.
func (s *Store) ResolveKeys(ctx context.Context, query jwtauth.KeyQuery) ([]jwtauth.SignerKeyRecord, error) {
	q := `SELECT key_id, public_key, status, not_before, not_after FROM signer_keys WHERE subject = ?`
	args := []any{query.Subject}
	if query.KeyID != "" {
		q += ` AND key_id = ?`
		args = append(args, query.KeyID)
	}
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, q), args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var records []jwtauth.SignerKeyRecord
	for rows.Next() {
		var (
			keyID, encoded, status string
			notBefore, notAfter    sql.NullTime
		)
		if err := rows.Scan(&keyID, &encoded, &status, &notBefore, &notAfter); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		key, err := jwtauth.ParsePublicKey([]byte(encoded))
		if err != nil {
			continue
		}
		if key.KeyID() == "" {
			if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
				return nil, err
			}
		}
		records = append(records, jwtauth.SignerKeyRecord{
			Subject:   query.Subject,
			KeyID:     keyID,
			Key:       key,
			Status:    jwtauth.KeyStatus(status),
			NotBefore: notBefore.Time,
			NotAfter:  notAfter.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, jwtauth.ErrKeyNotFound
	}
	return records, nil
}

// PutIdentity creates or replaces an identity.
func (s *Store) PutIdentity(ctx context.Context, identity jwtauth.Identity) error {
	if identity.Subject == "" {
		return errors.New("subject is required")
	}
	if identity.ID == "" {
		identity.ID = identity.Subject
	}
	if identity.Kind == "" {
		identity.Kind = jwtauth.IdentityUser
	}
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO identities (subject, id, name, kind, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject) DO UPDATE SET
			id = excluded.id,
			name = excluded.name,
			kind = excluded.kind,
			active = excluded.active,
			updated_at = excluded.updated_at`),
		identity.Subject, identity.ID, identity.Name, string(identity.Kind), identity.Active, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put identity %s: %w", identity.Subject, err)
	}
	return nil
}

// SetIdentityActive enables or disables an identity.
func (s *Store) SetIdentityActive(ctx context.Context, subject string, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.driver,
		`UPDATE identities SET active = ?, updated_at = ? WHERE subject = ?`),
		active, s.now().UTC(), subject,
	)
	if err != nil {
		return false, fmt.Errorf("update identity %s: %w", subject, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LookupIdentity implements jwtauth.IdentityStore.
func (s *Store) LookupIdentity(ctx context.Context, subject string) (*jwtauth.Identity, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.driver,
		`SELECT id, name, kind, active FROM identities WHERE subject = ?`), subject)
	identity := &jwtauth.Identity{Subject: subject}
	var kind string
	if err := row.Scan(&identity.ID, &identity.Name, &kind, &identity.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jwtauth.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("lookup identity %s: %w", subject, err)
	}
	identity.Kind = jwtauth.IdentityKind(kind)
	return identity, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
