// Package engine decides where each inbound message goes and routes
// role-holder replies back to their original senders. A relay thread is the
// only correlation between the two directions; replies resolve strictly by
// the forwarded message's id.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shora-sharif/relay-bot/internal/models"
	"github.com/shora-sharif/relay-bot/internal/roles"
	"github.com/shora-sharif/relay-bot/internal/storage"
)

// ErrDeliveryFailed means the outbound relay could not be delivered after
// all retry attempts.
var ErrDeliveryFailed = errors.New("relay delivery failed")

// Relay emits an outbound message to the platform boundary and returns the
// platform's id for it. replyTo of 0 means no back-reference.
type Relay interface {
	SendRelay(ctx context.Context, targetUserID int64, text string, replyTo int) (int, error)
}

// Outcome is the result of routing a role-holder's reply.
type Outcome int

const (
	// Delivered: the reply reached the original sender and the thread closed.
	Delivered Outcome = iota
	// ThreadClosedNotice: the thread was already closed; nothing was relayed.
	ThreadClosedNotice
	// ThreadNotFound: no thread matches the replied-to message.
	ThreadNotFound
)

// Sender identifies the author of an inbound message.
type Sender struct {
	UserID      int64
	DisplayName string
}

// Stats is the read-only admin view of routing activity.
type Stats struct {
	OpenByRole   map[models.Role]int64
	TotalThreads int64
}

type Options struct {
	// MaxSendAttempts bounds delivery retries per relay. Minimum 1.
	MaxSendAttempts int
	// RetryBackoff is the base delay between attempts, doubled each retry.
	RetryBackoff time.Duration
}

type Engine struct {
	store     storage.Storage
	directory *roles.Directory
	relay     Relay
	logger    *zap.Logger
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(store storage.Storage, directory *roles.Directory, relay Relay, logger *zap.Logger, opts Options) *Engine {
	if opts.MaxSendAttempts < 1 {
		opts.MaxSendAttempts = 1
	}
	return &Engine{
		store:     store,
		directory: directory,
		relay:     relay,
		logger:    logger,
		opts:      opts,
		sleep:     sleepCtx,
	}
}

// RouteInbound forwards a user's message to the responsible role-holder and
// records the relay thread that a future reply will resolve against.
//
// The sender is durably upserted before anything else; if that fails the
// caller must not acknowledge the event. An unknown or misconfigured role
// creates no thread. After the thread row exists, delivery is retried with
// backoff; if every attempt fails the thread is expired with the failure
// reason so it never lingers open without a delivered message.
func (e *Engine) RouteInbound(ctx context.Context, sender Sender, role models.Role, content string) (*models.Thread, error) {
	targetID, err := e.directory.Resolve(role)
	if err != nil {
		return nil, err
	}

	user := &models.User{ID: sender.UserID, DisplayName: sender.DisplayName}
	if err := e.store.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to record sender %d: %w", sender.UserID, err)
	}

	thread := &models.Thread{
		ID:       uuid.New().String(),
		SenderID: sender.UserID,
		Role:     role,
		Status:   models.ThreadOpen,
	}
	if err := e.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	relayID, err := e.sendWithRetry(ctx, targetID, content, 0)
	if err != nil {
		reason := fmt.Sprintf("relay to %s failed: %v", role, err)
		if _, expireErr := e.store.ExpireThread(ctx, thread.ID, reason); expireErr != nil {
			e.logger.Error("Failed to expire undeliverable thread",
				zap.Error(expireErr),
				zap.String("thread_id", thread.ID))
		}
		e.logger.Error("Failed to relay inbound message",
			zap.Error(err),
			zap.String("thread_id", thread.ID),
			zap.String("role", string(role)),
			zap.Int64("sender_id", sender.UserID))
		return nil, fmt.Errorf("thread %s: %w", thread.ID, err)
	}

	if err := e.store.SetRelayRef(ctx, thread.ID, relayID); err != nil {
		// Without the ref no reply can ever resolve this thread, so don't
		// leave it open waiting for one.
		reason := fmt.Sprintf("relay ref not recorded: %v", err)
		if _, expireErr := e.store.ExpireThread(ctx, thread.ID, reason); expireErr != nil {
			e.logger.Error("Failed to expire unresolvable thread",
				zap.Error(expireErr),
				zap.String("thread_id", thread.ID))
		}
		return nil, fmt.Errorf("failed to record relay ref for thread %s: %w", thread.ID, err)
	}
	thread.RelayMessageID = relayID

	e.logger.Info("Routed inbound message",
		zap.String("thread_id", thread.ID),
		zap.String("role", string(role)),
		zap.Int64("sender_id", sender.UserID),
		zap.Int("relay_message_id", relayID))
	return thread, nil
}

// RouteReply resolves a role-holder's reply to its thread and relays the
// text back to the original sender. The ref is the (role, message id) pair:
// message ids repeat across the role-holders' chats, so the id alone would
// ambiguously match threads of other roles.
//
// The thread is closed first with a conditional transition, so a duplicate
// or racing reply loses the race and gets ThreadClosedNotice instead of
// triggering a second delivery. If the relay then permanently fails, the
// thread is reopened so a later reply can still reach the sender.
func (e *Engine) RouteReply(ctx context.Context, role models.Role, relayMessageID int, content string) (Outcome, error) {
	thread, err := e.store.ThreadByRelayRef(ctx, role, relayMessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return ThreadNotFound, nil
	}
	if err != nil {
		return ThreadNotFound, fmt.Errorf("failed to resolve relay ref %d: %w", relayMessageID, err)
	}

	closed, err := e.store.CloseThread(ctx, thread.ID)
	if err != nil {
		return ThreadNotFound, fmt.Errorf("failed to close thread %s: %w", thread.ID, err)
	}
	if !closed {
		return ThreadClosedNotice, nil
	}

	if _, err := e.sendWithRetry(ctx, thread.SenderID, content, 0); err != nil {
		if _, reopenErr := e.store.ReopenThread(ctx, thread.ID); reopenErr != nil {
			e.logger.Error("Failed to reopen thread after delivery failure",
				zap.Error(reopenErr),
				zap.String("thread_id", thread.ID))
		}
		e.logger.Error("Failed to relay reply",
			zap.Error(err),
			zap.String("thread_id", thread.ID),
			zap.Int64("sender_id", thread.SenderID))
		return ThreadNotFound, fmt.Errorf("thread %s: %w", thread.ID, err)
	}

	e.logger.Info("Relayed reply to sender",
		zap.String("thread_id", thread.ID),
		zap.Int64("sender_id", thread.SenderID))
	return Delivered, nil
}

// ExpireStale bulk-expires open threads older than the cutoff. Housekeeping
// only; correctness never depends on it running.
func (e *Engine) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	expired, err := e.store.ExpireStale(ctx, cutoff, "administrative expiry")
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale threads: %w", err)
	}
	if expired > 0 {
		e.logger.Info("Expired stale threads", zap.Int64("count", expired))
	}
	return expired, nil
}

// Stats returns open-thread counts per role and the total thread count.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	open, err := e.store.OpenThreadsByRole(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count open threads: %w", err)
	}
	total, err := e.store.ThreadCount(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count threads: %w", err)
	}
	return Stats{OpenByRole: open, TotalThreads: total}, nil
}

func (e *Engine) sendWithRetry(ctx context.Context, targetID int64, text string, replyTo int) (int, error) {
	var lastErr error
	backoff := e.opts.RetryBackoff
	for attempt := 1; attempt <= e.opts.MaxSendAttempts; attempt++ {
		msgID, err := e.relay.SendRelay(ctx, targetID, text, replyTo)
		if err == nil {
			return msgID, nil
		}
		lastErr = err
		if attempt < e.opts.MaxSendAttempts {
			e.logger.Warn("Relay send failed, retrying",
				zap.Error(err),
				zap.Int64("target_id", targetID),
				zap.Int("attempt", attempt))
			if err := e.sleep(ctx, backoff); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
			}
			backoff *= 2
		}
	}
	return 0, fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, e.opts.MaxSendAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
