package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shora-sharif/relay-bot/internal/models"
)

// ErrNotFound is returned for lookups that match no record.
var ErrNotFound = errors.New("record not found")

// Storage persists users, relay threads, blocks and the instance lock.
// Thread status transitions are conditional updates so racing deliveries
// cannot overwrite a terminal state.
type Storage interface {
	// UpsertUser creates the user on first sight, otherwise refreshes the
	// display name. Idempotent; duplicate upserts are the steady state.
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)

	CreateThread(ctx context.Context, thread *models.Thread) error
	// ThreadByRelayRef resolves a role-holder's reply to its thread.
	// Telegram message ids are unique only within one chat, so the ref is
	// the pair (role, message id), not the message id alone.
	ThreadByRelayRef(ctx context.Context, role models.Role, relayMessageID int) (*models.Thread, error)
	SetRelayRef(ctx context.Context, threadID string, relayMessageID int) error

	// CloseThread transitions open -> closed. Returns false without error
	// when the thread is already terminal.
	CloseThread(ctx context.Context, threadID string) (bool, error)
	// ReopenThread transitions closed -> open, used when a reply relay
	// permanently fails after the close won the duplicate race.
	ReopenThread(ctx context.Context, threadID string) (bool, error)
	// ExpireThread transitions open -> expired, recording why.
	ExpireThread(ctx context.Context, threadID string, reason string) (bool, error)
	// ExpireStale bulk-expires open threads created before the cutoff.
	ExpireStale(ctx context.Context, cutoff time.Time, reason string) (int64, error)

	OpenThreadsByRole(ctx context.Context) (map[models.Role]int64, error)
	ThreadCount(ctx context.Context) (int64, error)

	AddBlock(ctx context.Context, block *models.Block) error
	RemoveBlock(ctx context.Context, ownerID, blockedID int64) error
	IsBlocked(ctx context.Context, ownerID, userID int64) (bool, error)

	GetInstanceLock(ctx context.Context) (*models.InstanceLock, error)
	// ClaimInstanceLock writes the lock only if the current record still
	// matches prev (nil prev means no lock may exist). Returns false when
	// another process changed the lock in between, so two racing starters
	// cannot both claim it.
	ClaimInstanceLock(ctx context.Context, lock *models.InstanceLock, prev *models.InstanceLock) (bool, error)
	TouchInstanceLock(ctx context.Context, holderPID int, at time.Time) error
	DeleteInstanceLock(ctx context.Context) error

	Close() error
}
