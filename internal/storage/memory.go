package storage

import (
	"context"
	"sync"
	"time"

	"github.com/shora-sharif/relay-bot/internal/models"
)

type blockKey struct {
	ownerID   int64
	blockedID int64
}

type relayKey struct {
	role  models.Role
	msgID int
}

// MemoryStorage is an in-process Storage used for development and tests.
type MemoryStorage struct {
	mu       sync.RWMutex
	users    map[int64]*models.User
	threads  map[string]*models.Thread
	byRelay  map[relayKey]string
	blocks   map[blockKey]*models.Block
	instance *models.InstanceLock
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:   make(map[int64]*models.User),
		threads: make(map[string]*models.Thread),
		byRelay: make(map[relayKey]string),
		blocks:  make(map[blockKey]*models.Block),
	}
}

func (s *MemoryStorage) UpsertUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.ID]; ok {
		existing.DisplayName = user.DisplayName
		*user = *existing
		return nil
	}
	if user.FirstSeenAt.IsZero() {
		user.FirstSeenAt = time.Now()
	}
	stored := *user
	s.users[user.ID] = &stored
	return nil
}

func (s *MemoryStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	stored := *thread
	s.threads[thread.ID] = &stored
	if thread.RelayMessageID != 0 {
		s.byRelay[relayKey{thread.Role, thread.RelayMessageID}] = thread.ID
	}
	return nil
}

func (s *MemoryStorage) ThreadByRelayRef(ctx context.Context, role models.Role, relayMessageID int) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRelay[relayKey{role, relayMessageID}]
	if !ok {
		return nil, ErrNotFound
	}
	thread := s.threads[id]
	copied := *thread
	return &copied, nil
}

func (s *MemoryStorage) SetRelayRef(ctx context.Context, threadID string, relayMessageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if thread.RelayMessageID != 0 {
		delete(s.byRelay, relayKey{thread.Role, thread.RelayMessageID})
	}
	thread.RelayMessageID = relayMessageID
	s.byRelay[relayKey{thread.Role, relayMessageID}] = threadID
	return nil
}

func (s *MemoryStorage) CloseThread(ctx context.Context, threadID string) (bool, error) {
	return s.transition(threadID, models.ThreadOpen, models.ThreadClosed, "")
}

func (s *MemoryStorage) ReopenThread(ctx context.Context, threadID string) (bool, error) {
	return s.transition(threadID, models.ThreadClosed, models.ThreadOpen, "")
}

func (s *MemoryStorage) ExpireThread(ctx context.Context, threadID string, reason string) (bool, error) {
	return s.transition(threadID, models.ThreadOpen, models.ThreadExpired, reason)
}

func (s *MemoryStorage) transition(threadID string, from, to models.ThreadStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return false, ErrNotFound
	}
	if thread.Status != from {
		return false, nil
	}
	thread.Status = to
	thread.FailureReason = reason
	if to == models.ThreadOpen {
		thread.ClosedAt = nil
	} else {
		now := time.Now()
		thread.ClosedAt = &now
	}
	return true, nil
}

func (s *MemoryStorage) ExpireStale(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	now := time.Now()
	for _, thread := range s.threads {
		if thread.Status == models.ThreadOpen && thread.CreatedAt.Before(cutoff) {
			thread.Status = models.ThreadExpired
			thread.FailureReason = reason
			closedAt := now
			thread.ClosedAt = &closedAt
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryStorage) OpenThreadsByRole(ctx context.Context) (map[models.Role]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Role]int64)
	for _, thread := range s.threads {
		if thread.Status == models.ThreadOpen {
			counts[thread.Role]++
		}
	}
	return counts, nil
}

func (s *MemoryStorage) ThreadCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.threads)), nil
}

func (s *MemoryStorage) AddBlock(ctx context.Context, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now()
	}
	stored := *block
	s.blocks[blockKey{block.OwnerID, block.BlockedID}] = &stored
	return nil
}

func (s *MemoryStorage) RemoveBlock(ctx context.Context, ownerID, blockedID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blocks, blockKey{ownerID, blockedID})
	return nil
}

func (s *MemoryStorage) IsBlocked(ctx context.Context, ownerID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blocks[blockKey{ownerID, userID}]
	return ok, nil
}

func (s *MemoryStorage) GetInstanceLock(ctx context.Context) (*models.InstanceLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.instance == nil {
		return nil, ErrNotFound
	}
	copied := *s.instance
	return &copied, nil
}

func (s *MemoryStorage) ClaimInstanceLock(ctx context.Context, lock *models.InstanceLock, prev *models.InstanceLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev == nil {
		if s.instance != nil {
			return false, nil
		}
	} else {
		if s.instance == nil ||
			s.instance.HolderPID != prev.HolderPID ||
			!s.instance.HeartbeatAt.Equal(prev.HeartbeatAt) {
			return false, nil
		}
	}
	stored := *lock
	s.instance = &stored
	return true, nil
}

func (s *MemoryStorage) TouchInstanceLock(ctx context.Context, holderPID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instance == nil || s.instance.HolderPID != holderPID {
		return ErrNotFound
	}
	s.instance.HeartbeatAt = at
	return nil
}

func (s *MemoryStorage) DeleteInstanceLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instance = nil
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
