package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shora-sharif/relay-bot/internal/models"
	"github.com/shora-sharif/relay-bot/internal/roles"
	"github.com/shora-sharif/relay-bot/internal/storage"
)

var testBindings = map[models.Role]int64{
	models.RoleLegal:       100,
	models.RoleEducational: 200,
	models.RoleWelfare:     300,
	models.RoleCultural:    400,
	models.RoleSports:      500,
}

type sentMessage struct {
	TargetID int64
	Text     string
	ReplyTo  int
}

// fakeRelay records outbound sends and can be told to fail a number of
// attempts before succeeding (or forever with failuresLeft < 0). Message
// ids are numbered per target chat, the way Telegram assigns them.
type fakeRelay struct {
	mu           sync.Mutex
	sent         []sentMessage
	nextIDs      map[int64]int
	failuresLeft int
}

func (r *fakeRelay) SendRelay(ctx context.Context, targetUserID int64, text string, replyTo int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failuresLeft != 0 {
		if r.failuresLeft > 0 {
			r.failuresLeft--
		}
		return 0, errors.New("send failed")
	}
	if r.nextIDs == nil {
		r.nextIDs = make(map[int64]int)
	}
	r.nextIDs[targetUserID]++
	r.sent = append(r.sent, sentMessage{TargetID: targetUserID, Text: text, ReplyTo: replyTo})
	return r.nextIDs[targetUserID], nil
}

func (r *fakeRelay) sentTo(targetID int64) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sentMessage
	for _, m := range r.sent {
		if m.TargetID == targetID {
			out = append(out, m)
		}
	}
	return out
}

func newTestEngine(t *testing.T, relay *fakeRelay) (*Engine, *storage.MemoryStorage) {
	t.Helper()

	directory, err := roles.NewDirectory(testBindings)
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	eng := New(store, directory, relay, zap.NewNop(), Options{MaxSendAttempts: 3})
	eng.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return eng, store
}

func TestRouteInbound(t *testing.T) {
	ctx := context.Background()

	t.Run("routes to the bound role-holder", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, store := newTestEngine(t, relay)

		thread, err := eng.RouteInbound(ctx, Sender{UserID: 42, DisplayName: "Alice"}, models.RoleLegal, "help")
		require.NoError(t, err)

		assert.Equal(t, int64(42), thread.SenderID)
		assert.Equal(t, models.RoleLegal, thread.Role)
		assert.Equal(t, models.ThreadOpen, thread.Status)
		assert.NotZero(t, thread.RelayMessageID)

		count, err := store.ThreadCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		legalInbox := relay.sentTo(testBindings[models.RoleLegal])
		require.Len(t, legalInbox, 1)
		assert.Equal(t, "help", legalInbox[0].Text)

		// Sender was durably recorded before the relay went out.
		user, err := store.GetUser(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, "Alice", user.DisplayName)
	})

	t.Run("unknown role creates no thread", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, store := newTestEngine(t, relay)

		_, err := eng.RouteInbound(ctx, Sender{UserID: 42}, models.Role("finance"), "help")
		require.Error(t, err)
		assert.ErrorIs(t, err, roles.ErrUnknownRole)

		count, err := store.ThreadCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.Empty(t, relay.sent)
	})

	t.Run("repeated sends create distinct threads", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, _ := newTestEngine(t, relay)

		first, err := eng.RouteInbound(ctx, Sender{UserID: 42}, models.RoleLegal, "first")
		require.NoError(t, err)
		second, err := eng.RouteInbound(ctx, Sender{UserID: 42}, models.RoleLegal, "second")
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.NotEqual(t, first.RelayMessageID, second.RelayMessageID)
	})

	t.Run("retries transient delivery failures", func(t *testing.T) {
		relay := &fakeRelay{failuresLeft: 2}
		eng, store := newTestEngine(t, relay)

		thread, err := eng.RouteInbound(ctx, Sender{UserID: 42}, models.RoleLegal, "help")
		require.NoError(t, err)
		assert.NotZero(t, thread.RelayMessageID)

		count, err := store.ThreadCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("permanent delivery failure expires the thread", func(t *testing.T) {
		relay := &fakeRelay{failuresLeft: -1}
		eng, store := newTestEngine(t, relay)

		_, err := eng.RouteInbound(ctx, Sender{UserID: 42}, models.RoleLegal, "help")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDeliveryFailed)

		// The thread exists but is not left dangling open.
		open, err := store.OpenThreadsByRole(ctx)
		require.NoError(t, err)
		assert.Zero(t, open[models.RoleLegal])

		count, err := store.ThreadCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("concurrent senders to one role get independent threads", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, _ := newTestEngine(t, relay)

		const n = 8
		results := make([]*models.Thread, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				thread, err := eng.RouteInbound(ctx,
					Sender{UserID: int64(1000 + i)}, models.RoleWelfare, fmt.Sprintf("request %d", i))
				assert.NoError(t, err)
				results[i] = thread
			}(i)
		}
		wg.Wait()

		// All eight went to the same role-holder's chat, so their refs
		// must still be distinct.
		seenIDs := make(map[string]bool)
		seenRefs := make(map[int]bool)
		for _, thread := range results {
			require.NotNil(t, thread)
			assert.False(t, seenIDs[thread.ID], "duplicate thread id")
			assert.False(t, seenRefs[thread.RelayMessageID], "duplicate relay ref")
			seenIDs[thread.ID] = true
			seenRefs[thread.RelayMessageID] = true
		}
	})
}

func TestRouteReply(t *testing.T) {
	ctx := context.Background()

	route := func(t *testing.T, eng *Engine) *models.Thread {
		t.Helper()
		thread, err := eng.RouteInbound(ctx, Sender{UserID: 42, DisplayName: "Alice"}, models.RoleLegal, "help")
		require.NoError(t, err)
		return thread
	}

	t.Run("delivers once and closes the thread", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, _ := newTestEngine(t, relay)
		thread := route(t, eng)

		outcome, err := eng.RouteReply(ctx, models.RoleLegal, thread.RelayMessageID, "ok")
		require.NoError(t, err)
		assert.Equal(t, Delivered, outcome)

		senderInbox := relay.sentTo(42)
		require.Len(t, senderInbox, 1)
		assert.Equal(t, "ok", senderInbox[0].Text)
	})

	t.Run("duplicate reply gets a closed notice, no second delivery", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, _ := newTestEngine(t, relay)
		thread := route(t, eng)

		outcome, err := eng.RouteReply(ctx, models.RoleLegal, thread.RelayMessageID, "ok")
		require.NoError(t, err)
		require.Equal(t, Delivered, outcome)

		outcome, err = eng.RouteReply(ctx, models.RoleLegal, thread.RelayMessageID, "ok")
		require.NoError(t, err)
		assert.Equal(t, ThreadClosedNotice, outcome)

		assert.Len(t, relay.sentTo(42), 1)
	})

	t.Run("unknown relay ref", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, _ := newTestEngine(t, relay)

		outcome, err := eng.RouteReply(ctx, models.RoleLegal, 99999, "ok")
		require.NoError(t, err)
		assert.Equal(t, ThreadNotFound, outcome)
		assert.Empty(t, relay.sent)
	})

	t.Run("expired thread gets a closed notice", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, store := newTestEngine(t, relay)
		thread := route(t, eng)

		expired, err := store.ExpireThread(ctx, thread.ID, "administrative expiry")
		require.NoError(t, err)
		require.True(t, expired)

		outcome, err := eng.RouteReply(ctx, models.RoleLegal, thread.RelayMessageID, "too late")
		require.NoError(t, err)
		assert.Equal(t, ThreadClosedNotice, outcome)
		assert.Empty(t, relay.sentTo(42))
	})

	t.Run("failed delivery reopens the thread", func(t *testing.T) {
		relay := &fakeRelay{}
		eng, store := newTestEngine(t, relay)
		thread := route(t, eng)

		relay.failuresLeft = -1
		_, err := eng.RouteReply(ctx, models.RoleLegal, thread.RelayMessageID, "ok")
		require.Error(t, err)

		stored, err := store.ThreadByRelayRef(ctx, models.RoleLegal, thread.RelayMessageID)
		require.NoError(t, err)
		assert.Equal(t, models.ThreadOpen, stored.Status)

		// A later reply can still deliver.
		relay.failuresLeft = 0
		outcome, err := eng.RouteReply(ctx, models.RoleLegal, thread.RelayMessageID, "ok again")
		require.NoError(t, err)
		assert.Equal(t, Delivered, outcome)
	})
}

func TestRouteReplyWithMatchingRefsAcrossRoles(t *testing.T) {
	// Telegram numbers messages per chat: relays to two different
	// role-holders routinely carry the same message id, and the reply must
	// still resolve against the replying holder's own thread.
	ctx := context.Background()
	relay := &fakeRelay{}
	eng, store := newTestEngine(t, relay)

	legal, err := eng.RouteInbound(ctx, Sender{UserID: 42, DisplayName: "Alice"}, models.RoleLegal, "legal question")
	require.NoError(t, err)
	welfare, err := eng.RouteInbound(ctx, Sender{UserID: 43, DisplayName: "Bob"}, models.RoleWelfare, "welfare question")
	require.NoError(t, err)
	require.Equal(t, legal.RelayMessageID, welfare.RelayMessageID)

	outcome, err := eng.RouteReply(ctx, models.RoleLegal, legal.RelayMessageID, "legal answer")
	require.NoError(t, err)
	assert.Equal(t, Delivered, outcome)

	// Delivered to Alice, and only to Alice.
	aliceInbox := relay.sentTo(42)
	require.Len(t, aliceInbox, 1)
	assert.Equal(t, "legal answer", aliceInbox[0].Text)
	assert.Empty(t, relay.sentTo(43))

	// Bob's welfare thread is untouched and still resolvable.
	stored, err := store.ThreadByRelayRef(ctx, models.RoleWelfare, welfare.RelayMessageID)
	require.NoError(t, err)
	assert.Equal(t, int64(43), stored.SenderID)
	assert.Equal(t, models.ThreadOpen, stored.Status)
}

// refFailStore refuses to record relay refs, simulating storage loss
// between a successful send and the ref write.
type refFailStore struct {
	*storage.MemoryStorage
}

func (s *refFailStore) SetRelayRef(ctx context.Context, threadID string, relayMessageID int) error {
	return errors.New("storage unavailable")
}

func TestRouteInboundRelayRefNotRecorded(t *testing.T) {
	ctx := context.Background()
	directory, err := roles.NewDirectory(testBindings)
	require.NoError(t, err)
	store := &refFailStore{storage.NewMemoryStorage()}
	eng := New(store, directory, &fakeRelay{}, zap.NewNop(), Options{MaxSendAttempts: 1})

	_, err = eng.RouteInbound(ctx, Sender{UserID: 42}, models.RoleLegal, "help")
	require.Error(t, err)

	// Without a ref no reply can resolve the thread, so it must not be
	// left open.
	open, err := store.OpenThreadsByRole(ctx)
	require.NoError(t, err)
	assert.Zero(t, open[models.RoleLegal])

	count, err := store.ThreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestExpireStaleAndStats(t *testing.T) {
	ctx := context.Background()
	relay := &fakeRelay{}
	eng, _ := newTestEngine(t, relay)

	_, err := eng.RouteInbound(ctx, Sender{UserID: 1}, models.RoleLegal, "a")
	require.NoError(t, err)
	_, err = eng.RouteInbound(ctx, Sender{UserID: 2}, models.RoleLegal, "b")
	require.NoError(t, err)
	_, err = eng.RouteInbound(ctx, Sender{UserID: 3}, models.RoleSports, "c")
	require.NoError(t, err)

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.OpenByRole[models.RoleLegal])
	assert.Equal(t, int64(1), stats.OpenByRole[models.RoleSports])
	assert.Equal(t, int64(3), stats.TotalThreads)

	// Nothing is older than an hour yet.
	expired, err := eng.ExpireStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, expired)

	// Everything is older than a zero cutoff.
	expired, err = eng.ExpireStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), expired)

	stats, err = eng.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.OpenByRole[models.RoleLegal])
	assert.Equal(t, int64(3), stats.TotalThreads)
}
