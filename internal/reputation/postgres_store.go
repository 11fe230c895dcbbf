package reputation

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/trentpierce/shard/internal/shardtype"
)

// PostgresStore is the durable-SQL alternative to JSONStore, for deployments
// that want the reputation ledger to survive independently of the process's
// working directory. Schema matches the JSON document's two logical tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and ensures the reputation schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("reputation: opening postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scout_reputation (
			peer_id TEXT PRIMARY KEY,
			attempts INTEGER NOT NULL DEFAULT 0,
			correct INTEGER NOT NULL DEFAULT 0,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("reputation: creating scout_reputation: %w", err)
	}
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scout_bans (
			peer_id TEXT PRIMARY KEY,
			banned_at TIMESTAMPTZ NOT NULL,
			duration_hours DOUBLE PRECISION NOT NULL,
			reason TEXT,
			failed_attempts INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("reputation: creating scout_bans: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadReputation(peerID string) (shardtype.ScoutReputation, bool, error) {
	var rep shardtype.ScoutReputation
	row := s.db.QueryRow(`SELECT peer_id, attempts, correct, first_seen, last_seen
		FROM scout_reputation WHERE peer_id = $1`, peerID)
	err := row.Scan(&rep.PeerID, &rep.Attempts, &rep.Correct, &rep.FirstSeen, &rep.LastSeen)
	if err == sql.ErrNoRows {
		return shardtype.ScoutReputation{}, false, nil
	}
	if err != nil {
		return shardtype.ScoutReputation{}, false, err
	}
	return rep, true, nil
}

func (s *PostgresStore) SaveReputation(rep shardtype.ScoutReputation) error {
	_, err := s.db.Exec(`
		INSERT INTO scout_reputation (peer_id, attempts, correct, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (peer_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			correct = EXCLUDED.correct,
			last_seen = EXCLUDED.last_seen`,
		rep.PeerID, rep.Attempts, rep.Correct, rep.FirstSeen, rep.LastSeen)
	return err
}

func (s *PostgresStore) DeleteReputation(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM scout_reputation WHERE peer_id = $1`, peerID)
	return err
}

func (s *PostgresStore) LoadBan(peerID string) (shardtype.BanEntry, bool, error) {
	var ban shardtype.BanEntry
	row := s.db.QueryRow(`SELECT peer_id, banned_at, duration_hours, reason, failed_attempts
		FROM scout_bans WHERE peer_id = $1`, peerID)
	err := row.Scan(&ban.PeerID, &ban.BannedAt, &ban.DurationHours, &ban.Reason, &ban.FailedAttempts)
	if err == sql.ErrNoRows {
		return shardtype.BanEntry{}, false, nil
	}
	if err != nil {
		return shardtype.BanEntry{}, false, err
	}
	return ban, true, nil
}

func (s *PostgresStore) SaveBan(ban shardtype.BanEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO scout_bans (peer_id, banned_at, duration_hours, reason, failed_attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (peer_id) DO UPDATE SET
			banned_at = EXCLUDED.banned_at,
			duration_hours = EXCLUDED.duration_hours,
			reason = EXCLUDED.reason,
			failed_attempts = EXCLUDED.failed_attempts`,
		ban.PeerID, ban.BannedAt, ban.DurationHours, ban.Reason, ban.FailedAttempts)
	return err
}

func (s *PostgresStore) DeleteBan(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM scout_bans WHERE peer_id = $1`, peerID)
	return err
}

func (s *PostgresStore) ListReputations() ([]shardtype.ScoutReputation, error) {
	rows, err := s.db.Query(`SELECT peer_id, attempts, correct, first_seen, last_seen FROM scout_reputation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shardtype.ScoutReputation
	for rows.Next() {
		var rep shardtype.ScoutReputation
		if err := rows.Scan(&rep.PeerID, &rep.Attempts, &rep.Correct, &rep.FirstSeen, &rep.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBans() ([]shardtype.BanEntry, error) {
	rows, err := s.db.Query(`SELECT peer_id, banned_at, duration_hours, reason, failed_attempts FROM scout_bans`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shardtype.BanEntry
	for rows.Next() {
		var ban shardtype.BanEntry
		if err := rows.Scan(&ban.PeerID, &ban.BannedAt, &ban.DurationHours, &ban.Reason, &ban.FailedAttempts); err != nil {
			return nil, err
		}
		out = append(out, ban)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }
