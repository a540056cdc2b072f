package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beamline/trove/pkg/observability"
)

// Store persists principals, identities, roles, sessions, and API keys
// in the same database as the catalog.
type Store struct {
	db     *sql.DB
	pg     bool
	logger *observability.Logger
}

// NewStore wraps db and applies the auth schema. dialectName is
// "sqlite" or "postgresql", matching the catalog store.
func NewStore(ctx context.Context, db *sql.DB, dialectName string, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s := &Store{db: db, pg: dialectName == "postgresql", logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ph renders the n-th placeholder for the active dialect.
func (s *Store) ph(n int) string {
	if s.pg {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.pg {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS principals (
			id %s,
			uuid TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			time_created TIMESTAMP NOT NULL,
			time_updated TIMESTAMP NOT NULL
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS identities (
			id %s,
			principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			external_id TEXT NOT NULL,
			time_created TIMESTAMP NOT NULL,
			UNIQUE (provider, external_id)
		)`, serial),
		`CREATE TABLE IF NOT EXISTS roles (
			name TEXT PRIMARY KEY,
			scopes TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS principal_roles (
			principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			role_name TEXT NOT NULL REFERENCES roles(name),
			PRIMARY KEY (principal_id, role_name)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id %s,
			uuid TEXT NOT NULL UNIQUE,
			principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			expiration_time TIMESTAMP NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			refresh_count BIGINT NOT NULL DEFAULT 0,
			time_created TIMESTAMP NOT NULL,
			time_last_refreshed TIMESTAMP NOT NULL
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
			id %s,
			first_eight TEXT NOT NULL,
			hashed_secret BLOB NOT NULL,
			principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			scopes TEXT NOT NULL,
			access_tags TEXT NOT NULL DEFAULT '[]',
			note TEXT NOT NULL DEFAULT '',
			expiration_time TIMESTAMP,
			latest_activity TIMESTAMP,
			time_created TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_api_keys_first_eight ON api_keys (first_eight)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expiration ON sessions (expiration_time)`,
	}
	if s.pg {
		// Postgres has no BLOB type.
		statements[5] = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
			id %s,
			first_eight TEXT NOT NULL,
			hashed_secret BYTEA NOT NULL,
			principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			scopes TEXT NOT NULL,
			access_tags TEXT NOT NULL DEFAULT '[]',
			note TEXT NOT NULL DEFAULT '',
			expiration_time TIMESTAMP,
			latest_activity TIMESTAMP,
			time_created TIMESTAMP NOT NULL
		)`, serial)
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply auth schema: %w", err)
		}
	}
	return nil
}

// EnsureRole installs or updates a named role.
func (s *Store) EnsureRole(ctx context.Context, role Role) error {
	scopes, err := json.Marshal(role.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode role scopes: %w", err)
	}
	q := fmt.Sprintf("DELETE FROM roles WHERE name = %s", s.ph(1))
	if _, err := s.db.ExecContext(ctx, q, role.Name); err != nil {
		return fmt.Errorf("failed to replace role: %w", err)
	}
	q = fmt.Sprintf("INSERT INTO roles (name, scopes) VALUES (%s, %s)", s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, q, role.Name, string(scopes)); err != nil {
		return fmt.Errorf("failed to insert role: %w", err)
	}
	return nil
}

// GetOrCreatePrincipal resolves the principal owning the
// (provider, externalID) identity, creating the principal, identity,
// and default role assignment on first login.
func (s *Store) GetOrCreatePrincipal(ctx context.Context, provider, externalID, defaultRole string) (*Principal, error) {
	q := fmt.Sprintf(
		"SELECT principal_id FROM identities WHERE provider = %s AND external_id = %s",
		s.ph(1), s.ph(2))
	var principalID int64
	err := s.db.QueryRowContext(ctx, q, provider, externalID).Scan(&principalID)
	if err == nil {
		return s.GetPrincipalByID(ctx, principalID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	pUUID := uuid.New()
	q = fmt.Sprintf(
		"INSERT INTO principals (uuid, type, time_created, time_updated) VALUES (%s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := tx.ExecContext(ctx, q, pUUID.String(), string(PrincipalTypeUser), now, now); err != nil {
		return nil, fmt.Errorf("failed to create principal: %w", err)
	}
	q = fmt.Sprintf("SELECT id FROM principals WHERE uuid = %s", s.ph(1))
	if err := tx.QueryRowContext(ctx, q, pUUID.String()).Scan(&principalID); err != nil {
		return nil, fmt.Errorf("failed to read principal id: %w", err)
	}

	q = fmt.Sprintf(
		"INSERT INTO identities (principal_id, provider, external_id, time_created) VALUES (%s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := tx.ExecContext(ctx, q, principalID, provider, externalID, now); err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	if defaultRole != "" {
		q = fmt.Sprintf(
			"INSERT INTO principal_roles (principal_id, role_name) VALUES (%s, %s)",
			s.ph(1), s.ph(2))
		if _, err := tx.ExecContext(ctx, q, principalID, defaultRole); err != nil {
			return nil, fmt.Errorf("failed to assign default role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit principal creation: %w", err)
	}
	s.logger.WithFields(map[string]interface{}{
		"provider": provider,
		"uuid":     pUUID.String(),
	}).Info("created principal on first login")
	return s.GetPrincipalByID(ctx, principalID)
}

// CreateServicePrincipal creates an identity-less principal that can
// only authenticate by API key.
func (s *Store) CreateServicePrincipal(ctx context.Context, role string) (*Principal, error) {
	now := time.Now().UTC()
	pUUID := uuid.New()
	q := fmt.Sprintf(
		"INSERT INTO principals (uuid, type, time_created, time_updated) VALUES (%s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := s.db.ExecContext(ctx, q, pUUID.String(), string(PrincipalTypeService), now, now); err != nil {
		return nil, fmt.Errorf("failed to create service principal: %w", err)
	}
	var id int64
	q = fmt.Sprintf("SELECT id FROM principals WHERE uuid = %s", s.ph(1))
	if err := s.db.QueryRowContext(ctx, q, pUUID.String()).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to read principal id: %w", err)
	}
	if role != "" {
		q = fmt.Sprintf(
			"INSERT INTO principal_roles (principal_id, role_name) VALUES (%s, %s)",
			s.ph(1), s.ph(2))
		if _, err := s.db.ExecContext(ctx, q, id, role); err != nil {
			return nil, fmt.Errorf("failed to assign role: %w", err)
		}
	}
	return s.GetPrincipalByID(ctx, id)
}

// GetPrincipalByID loads a principal with identities and roles.
func (s *Store) GetPrincipalByID(ctx context.Context, id int64) (*Principal, error) {
	q := fmt.Sprintf(
		"SELECT id, uuid, type, time_created, time_updated FROM principals WHERE id = %s", s.ph(1))
	return s.scanPrincipal(ctx, q, id)
}

// GetPrincipalByUUID loads a principal by its public UUID.
func (s *Store) GetPrincipalByUUID(ctx context.Context, pUUID uuid.UUID) (*Principal, error) {
	q := fmt.Sprintf(
		"SELECT id, uuid, type, time_created, time_updated FROM principals WHERE uuid = %s", s.ph(1))
	return s.scanPrincipal(ctx, q, pUUID.String())
}

func (s *Store) scanPrincipal(ctx context.Context, q string, arg interface{}) (*Principal, error) {
	var (
		p       Principal
		rawUUID string
		rawType string
	)
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&p.ID, &rawUUID, &rawType, &p.TimeCreated, &p.TimeUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	p.UUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse principal uuid: %w", err)
	}
	p.Type = PrincipalType(rawType)

	iq := fmt.Sprintf(
		"SELECT id, provider, external_id, time_created FROM identities WHERE principal_id = %s ORDER BY id",
		s.ph(1))
	rows, err := s.db.QueryContext(ctx, iq, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identities: %w", err)
	}
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.Provider, &ident.ExternalID, &ident.TimeCreated); err != nil {
			rows.Close()
			return nil, err
		}
		p.Identities = append(p.Identities, ident)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rq := fmt.Sprintf(`
		SELECT r.name, r.scopes FROM roles r
		JOIN principal_roles pr ON pr.role_name = r.name
		WHERE pr.principal_id = %s ORDER BY r.name`, s.ph(1))
	rrows, err := s.db.QueryContext(ctx, rq, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	for rrows.Next() {
		var (
			role   Role
			scopes string
		)
		if err := rrows.Scan(&role.Name, &scopes); err != nil {
			rrows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(scopes), &role.Scopes); err != nil {
			rrows.Close()
			return nil, fmt.Errorf("failed to decode role scopes: %w", err)
		}
		p.Roles = append(p.Roles, role)
	}
	rrows.Close()
	return &p, rrows.Err()
}

// CreateSession opens a session for a principal.
func (s *Store) CreateSession(ctx context.Context, principalID int64, expiration time.Time) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		UUID:              uuid.New(),
		PrincipalID:       principalID,
		ExpirationTime:    expiration,
		TimeCreated:       now,
		TimeLastRefreshed: now,
	}
	q := fmt.Sprintf(`
		INSERT INTO sessions (uuid, principal_id, expiration_time, revoked, refresh_count, time_created, time_last_refreshed)
		VALUES (%s, %s, %s, FALSE, 0, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := s.db.ExecContext(ctx, q,
		sess.UUID.String(), principalID, expiration, now, now); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession loads a session by public UUID.
func (s *Store) GetSession(ctx context.Context, sid uuid.UUID) (*Session, error) {
	q := fmt.Sprintf(`
		SELECT id, uuid, principal_id, expiration_time, revoked, refresh_count, time_created, time_last_refreshed
		FROM sessions WHERE uuid = %s`, s.ph(1))
	var (
		sess    Session
		rawUUID string
	)
	err := s.db.QueryRowContext(ctx, q, sid.String()).Scan(
		&sess.ID, &rawUUID, &sess.PrincipalID, &sess.ExpirationTime,
		&sess.Revoked, &sess.RefreshCount, &sess.TimeCreated, &sess.TimeLastRefreshed)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.UUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session uuid: %w", err)
	}
	return &sess, nil
}

// BumpSessionRefresh increments the refresh counter and stamps the
// refresh time.
func (s *Store) BumpSessionRefresh(ctx context.Context, id int64, now time.Time) error {
	q := fmt.Sprintf(
		"UPDATE sessions SET refresh_count = refresh_count + 1, time_last_refreshed = %s WHERE id = %s",
		s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, q, now, id); err != nil {
		return fmt.Errorf("failed to bump session refresh: %w", err)
	}
	return nil
}

// DeleteSession removes a session row, invalidating its refresh chain.
func (s *Store) DeleteSession(ctx context.Context, sid uuid.UUID) error {
	q := fmt.Sprintf("DELETE FROM sessions WHERE uuid = %s", s.ph(1))
	if _, err := s.db.ExecContext(ctx, q, sid.String()); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// RevokeSession marks a session revoked without deleting its record.
func (s *Store) RevokeSession(ctx context.Context, sid uuid.UUID) error {
	q := fmt.Sprintf("UPDATE sessions SET revoked = TRUE WHERE uuid = %s", s.ph(1))
	if _, err := s.db.ExecContext(ctx, q, sid.String()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions past their expiration.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	q := fmt.Sprintf("DELETE FROM sessions WHERE expiration_time < %s", s.ph(1))
	res, err := s.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// InsertAPIKey records a new key. The caller has already hashed the
// secret; the raw secret is never passed in.
func (s *Store) InsertAPIKey(ctx context.Context, key *APIKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode key scopes: %w", err)
	}
	tags, err := json.Marshal(key.AccessTags)
	if err != nil {
		return fmt.Errorf("failed to encode key tags: %w", err)
	}
	key.TimeCreated = time.Now().UTC()
	q := fmt.Sprintf(`
		INSERT INTO api_keys (first_eight, hashed_secret, principal_id, scopes, access_tags, note, expiration_time, time_created)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	if _, err := s.db.ExecContext(ctx, q,
		key.FirstEight, key.HashedSecret, key.PrincipalID,
		string(scopes), string(tags), key.Note, key.ExpirationTime, key.TimeCreated); err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// APIKeysByFirstEight returns candidate keys matching the display
// prefix; the caller verifies the hash in constant time.
func (s *Store) APIKeysByFirstEight(ctx context.Context, firstEight string) ([]APIKey, error) {
	q := fmt.Sprintf(`
		SELECT id, first_eight, hashed_secret, principal_id, scopes, access_tags, note, expiration_time, latest_activity, time_created
		FROM api_keys WHERE first_eight = %s`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, firstEight)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// ListAPIKeys returns a principal's keys.
func (s *Store) ListAPIKeys(ctx context.Context, principalID int64) ([]APIKey, error) {
	q := fmt.Sprintf(`
		SELECT id, first_eight, hashed_secret, principal_id, scopes, access_tags, note, expiration_time, latest_activity, time_created
		FROM api_keys WHERE principal_id = %s ORDER BY id`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func scanAPIKeys(rows *sql.Rows) ([]APIKey, error) {
	var keys []APIKey
	for rows.Next() {
		var (
			key    APIKey
			scopes string
			tags   string
		)
		if err := rows.Scan(&key.ID, &key.FirstEight, &key.HashedSecret, &key.PrincipalID,
			&scopes, &tags, &key.Note, &key.ExpirationTime, &key.LatestActivity, &key.TimeCreated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scopes), &key.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode key scopes: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &key.AccessTags); err != nil {
			return nil, fmt.Errorf("failed to decode key tags: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// TouchAPIKey records the key's latest activity.
func (s *Store) TouchAPIKey(ctx context.Context, id int64, now time.Time) error {
	q := fmt.Sprintf("UPDATE api_keys SET latest_activity = %s WHERE id = %s", s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, q, now, id); err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes one of a principal's keys by prefix.
func (s *Store) DeleteAPIKey(ctx context.Context, principalID int64, firstEight string) error {
	q := fmt.Sprintf(
		"DELETE FROM api_keys WHERE principal_id = %s AND first_eight = %s", s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, q, principalID, firstEight)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidCredentials
	}
	return nil
}

// PurgeExpiredAPIKeys deletes keys past their expiration.
func (s *Store) PurgeExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	q := fmt.Sprintf(
		"DELETE FROM api_keys WHERE expiration_time IS NOT NULL AND expiration_time < %s", s.ph(1))
	res, err := s.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge api keys: %w", err)
	}
	return res.RowsAffected()
}
