package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/shora-sharif/relay-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) UpsertUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (user_id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING first_seen_at`

	err := s.db.QueryRowContext(ctx, query, user.ID, user.DisplayName).Scan(&user.FirstSeenAt)
	if err != nil {
		return fmt.Errorf("error upserting user %d: %w", user.ID, err)
	}
	return nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT user_id, display_name, first_seen_at FROM users WHERE user_id = $1`

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.DisplayName, &user.FirstSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user %d: %w", id, err)
	}
	return user, nil
}

func (s *PostgresStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	query := `
		INSERT INTO threads (thread_id, sender_user_id, role_tag, relay_message_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		thread.ID,
		thread.SenderID,
		thread.Role,
		thread.RelayMessageID,
		thread.Status,
	).Scan(&thread.CreatedAt)

	if err != nil {
		return fmt.Errorf("error creating thread: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ThreadByRelayRef(ctx context.Context, role models.Role, relayMessageID int) (*models.Thread, error) {
	query := `
		SELECT thread_id, sender_user_id, role_tag, relay_message_id, status, failure_reason, created_at, closed_at
		FROM threads
		WHERE role_tag = $1 AND relay_message_id = $2 AND relay_message_id <> 0`

	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx, query, role, relayMessageID).Scan(
		&thread.ID,
		&thread.SenderID,
		&thread.Role,
		&thread.RelayMessageID,
		&thread.Status,
		&thread.FailureReason,
		&thread.CreatedAt,
		&thread.ClosedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying thread by relay ref %d: %w", relayMessageID, err)
	}
	return thread, nil
}

func (s *PostgresStorage) SetRelayRef(ctx context.Context, threadID string, relayMessageID int) error {
	query := `UPDATE threads SET relay_message_id = $1 WHERE thread_id = $2`

	result, err := s.db.ExecContext(ctx, query, relayMessageID, threadID)
	if err != nil {
		return fmt.Errorf("error setting relay ref: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) CloseThread(ctx context.Context, threadID string) (bool, error) {
	return s.transition(ctx, threadID, models.ThreadOpen, models.ThreadClosed, "")
}

func (s *PostgresStorage) ReopenThread(ctx context.Context, threadID string) (bool, error) {
	return s.transition(ctx, threadID, models.ThreadClosed, models.ThreadOpen, "")
}

func (s *PostgresStorage) ExpireThread(ctx context.Context, threadID string, reason string) (bool, error) {
	return s.transition(ctx, threadID, models.ThreadOpen, models.ThreadExpired, reason)
}

// transition is a conditional status update: it only fires when the thread
// is currently in the expected state, so concurrent deliveries cannot
// clobber a terminal status.
func (s *PostgresStorage) transition(ctx context.Context, threadID string, from, to models.ThreadStatus, reason string) (bool, error) {
	query := `
		UPDATE threads
		SET status = $1,
		    failure_reason = $2,
		    closed_at = CASE WHEN $1 = 'open' THEN NULL ELSE NOW() END
		WHERE thread_id = $3 AND status = $4`

	result, err := s.db.ExecContext(ctx, query, to, reason, threadID, from)
	if err != nil {
		return false, fmt.Errorf("error transitioning thread %s: %w", threadID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing thread from a lost race.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM threads WHERE thread_id = $1)`, threadID).Scan(&exists); err != nil {
			return false, fmt.Errorf("error checking thread %s: %w", threadID, err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStorage) ExpireStale(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	query := `
		UPDATE threads
		SET status = 'expired', failure_reason = $1, closed_at = NOW()
		WHERE status = 'open' AND created_at < $2`

	result, err := s.db.ExecContext(ctx, query, reason, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error expiring stale threads: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresStorage) OpenThreadsByRole(ctx context.Context) (map[models.Role]int64, error) {
	query := `SELECT role_tag, COUNT(*) FROM threads WHERE status = 'open' GROUP BY role_tag`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error counting open threads: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Role]int64)
	for rows.Next() {
		var role models.Role
		var count int64
		if err := rows.Scan(&role, &count); err != nil {
			return nil, fmt.Errorf("error scanning open thread count: %w", err)
		}
		counts[role] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStorage) ThreadCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting threads: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) AddBlock(ctx context.Context, block *models.Block) error {
	query := `
		INSERT INTO blocks (owner_user_id, blocked_user_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_user_id, blocked_user_id) DO UPDATE SET reason = EXCLUDED.reason
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query, block.OwnerID, block.BlockedID, block.Reason).Scan(&block.CreatedAt)
	if err != nil {
		return fmt.Errorf("error adding block: %w", err)
	}
	return nil
}

func (s *PostgresStorage) RemoveBlock(ctx context.Context, ownerID, blockedID int64) error {
	query := `DELETE FROM blocks WHERE owner_user_id = $1 AND blocked_user_id = $2`

	if _, err := s.db.ExecContext(ctx, query, ownerID, blockedID); err != nil {
		return fmt.Errorf("error removing block: %w", err)
	}
	return nil
}

func (s *PostgresStorage) IsBlocked(ctx context.Context, ownerID, userID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM blocks WHERE owner_user_id = $1 AND blocked_user_id = $2)`

	var blocked bool
	if err := s.db.QueryRowContext(ctx, query, ownerID, userID).Scan(&blocked); err != nil {
		return false, fmt.Errorf("error checking block: %w", err)
	}
	return blocked, nil
}

func (s *PostgresStorage) GetInstanceLock(ctx context.Context) (*models.InstanceLock, error) {
	query := `SELECT holder_pid, acquired_at, heartbeat_at FROM instance_lock WHERE singleton`

	lock := &models.InstanceLock{}
	err := s.db.QueryRowContext(ctx, query).Scan(&lock.HolderPID, &lock.AcquiredAt, &lock.HeartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying instance lock: %w", err)
	}
	return lock, nil
}

// ClaimInstanceLock takes the lock only if the stored record still matches
// the observation made before claiming. With prev nil the insert fires only
// when no row exists; otherwise the update is conditioned on the observed
// holder and heartbeat. Zero rows affected means another process won.
func (s *PostgresStorage) ClaimInstanceLock(ctx context.Context, lock *models.InstanceLock, prev *models.InstanceLock) (bool, error) {
	var result sql.Result
	var err error
	if prev == nil {
		query := `
			INSERT INTO instance_lock (singleton, holder_pid, acquired_at, heartbeat_at)
			VALUES (TRUE, $1, $2, $3)
			ON CONFLICT (singleton) DO NOTHING`
		result, err = s.db.ExecContext(ctx, query, lock.HolderPID, lock.AcquiredAt, lock.HeartbeatAt)
	} else {
		query := `
			UPDATE instance_lock
			SET holder_pid = $1, acquired_at = $2, heartbeat_at = $3
			WHERE singleton AND holder_pid = $4 AND heartbeat_at = $5`
		result, err = s.db.ExecContext(ctx, query,
			lock.HolderPID, lock.AcquiredAt, lock.HeartbeatAt, prev.HolderPID, prev.HeartbeatAt)
	}
	if err != nil {
		return false, fmt.Errorf("error claiming instance lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStorage) TouchInstanceLock(ctx context.Context, holderPID int, at time.Time) error {
	query := `UPDATE instance_lock SET heartbeat_at = $1 WHERE singleton AND holder_pid = $2`

	result, err := s.db.ExecContext(ctx, query, at, holderPID)
	if err != nil {
		return fmt.Errorf("error touching instance lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) DeleteInstanceLock(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instance_lock WHERE singleton`); err != nil {
		return fmt.Errorf("error deleting instance lock: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
