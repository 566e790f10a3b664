package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shora-sharif/relay-bot/internal/models"
	"github.com/shora-sharif/relay-bot/internal/storage"
)

// ErrAlreadyRunning means another live instance holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

const heartbeatInterval = 30 * time.Second

// staleAfter bounds how long a lock survives without a heartbeat. The PID
// liveness probe alone is not enough: the OS can reuse a dead holder's PID,
// so a lock whose heartbeat has gone quiet is reclaimable even when some
// process answers to that PID.
const staleAfter = 3 * heartbeatInterval

// Guard ensures at most one bot instance delivers messages at a time. The
// lock lives in storage as a singleton row; the holder refreshes its
// heartbeat until Release.
type Guard struct {
	store  storage.Storage
	logger *zap.Logger
	pid    int
	alive  func(pid int) bool
	now    func() time.Time

	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}
}

func New(store storage.Storage, logger *zap.Logger) *Guard {
	return &Guard{
		store:  store,
		logger: logger,
		pid:    os.Getpid(),
		alive:  processAlive,
		now:    time.Now,
	}
}

// Acquire takes the instance lock or fails with ErrAlreadyRunning. A stale
// lock (dead holder, or heartbeat older than staleAfter) is reclaimed. The
// claim is conditioned on the observed lock state, so two processes racing
// through Acquire cannot both win.
func (g *Guard) Acquire(ctx context.Context) error {
	existing, err := g.store.GetInstanceLock(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to inspect instance lock: %w", err)
	}

	if existing != nil {
		if g.alive(existing.HolderPID) && g.now().Sub(existing.HeartbeatAt) < staleAfter {
			return fmt.Errorf("lock held by pid %d since %s: %w",
				existing.HolderPID, existing.AcquiredAt.Format(time.RFC3339), ErrAlreadyRunning)
		}
		g.logger.Warn("Reclaiming stale instance lock",
			zap.Int("holder_pid", existing.HolderPID),
			zap.Time("heartbeat_at", existing.HeartbeatAt))
	}

	now := g.now()
	lock := &models.InstanceLock{
		HolderPID:   g.pid,
		AcquiredAt:  now,
		HeartbeatAt: now,
	}
	claimed, err := g.store.ClaimInstanceLock(ctx, lock, existing)
	if err != nil {
		return fmt.Errorf("failed to write instance lock: %w", err)
	}
	if !claimed {
		return fmt.Errorf("lock claimed by another process: %w", ErrAlreadyRunning)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	g.stopHeartbeat = cancel
	g.heartbeatDone = make(chan struct{})
	go g.heartbeatLoop(hbCtx)

	g.logger.Info("Instance lock acquired", zap.Int("pid", g.pid))
	return nil
}

func (g *Guard) heartbeatLoop(ctx context.Context) {
	defer close(g.heartbeatDone)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.store.TouchInstanceLock(ctx, g.pid, g.now()); err != nil {
				g.logger.Error("Failed to refresh instance lock heartbeat", zap.Error(err))
			}
		}
	}
}

// Release stops the heartbeat and deletes the lock. Safe to call even when
// Acquire failed; it must run on every shutdown path.
func (g *Guard) Release(ctx context.Context) error {
	if g.stopHeartbeat == nil {
		return nil
	}
	g.stopHeartbeat()
	<-g.heartbeatDone
	g.stopHeartbeat = nil

	if err := g.store.DeleteInstanceLock(ctx); err != nil {
		return fmt.Errorf("failed to delete instance lock: %w", err)
	}
	g.logger.Info("Instance lock released", zap.Int("pid", g.pid))
	return nil
}

// processAlive reports whether a process with the given pid exists, via
// signal 0. On Unix FindProcess always succeeds, so the signal probe is
// what actually checks.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
