package engagement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/invalidation"
)

func TestMutationPhases(t *testing.T) {
	var value string
	m := newMutation("k", "old", "new", func(v string) { value = v })
	assert.Equal(t, PhasePrepared, m.Phase())

	m.Apply()
	assert.Equal(t, "new", value)
	assert.Equal(t, PhaseApplied, m.Phase())

	m.Rollback()
	assert.Equal(t, "old", value)
	assert.Equal(t, PhaseRolledBack, m.Phase())

	// Settled mutations ignore further transitions.
	m.Commit("other")
	assert.Equal(t, "old", value)
	assert.Equal(t, "rolled_back", m.Phase().String())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&pgconn.PgError{Code: "23505"}, ErrConflict},
		{&pgconn.PgError{Code: "42501"}, ErrNotAuthorized},
		{&pgconn.PgError{Code: "23503"}, ErrNotAuthorized},
		{pgx.ErrNoRows, ErrNotAuthorized},
		{context.DeadlineExceeded, ErrTransient},
		{errors.New("boom"), ErrTransient},
		{fmt.Errorf("wrapped: %w", ErrRecordMissing), ErrRecordMissing},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, Classify(tc.err), tc.want, tc.err.Error())
	}
	assert.NoError(t, Classify(nil))
}

func TestStartResolvesCapability(t *testing.T) {
	f := newFixture()
	f.ents.ent["user-1"] = capability.Entitlements{Subscribed: true}
	sess := f.session(t, "user-1")

	got, err := sess.Capabilities(context.Background())

	require.NoError(t, err)
	assert.Equal(t, capability.New(true, true, false), got)
}

func TestAnonymousSessionHasNoState(t *testing.T) {
	f := newFixture()
	f.favorites.seed("user-1", "article-1")
	sess := f.session(t, "")

	got, err := sess.Capabilities(context.Background())

	require.NoError(t, err)
	assert.Equal(t, capability.Anonymous, got)
	assert.Empty(t, sess.Favorites.Members())
	_, err = sess.Favorites.Toggle(context.Background(), got, "article-1")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestRestartForNewUserDropsPreviousState(t *testing.T) {
	f := newFixture()
	f.favorites.seed("user-1", "article-1")
	f.ents.ent["user-1"] = capability.Entitlements{Admin: true}
	sess := f.session(t, "user-1")
	require.True(t, sess.Favorites.IsMember("article-1"))

	require.NoError(t, sess.Start(context.Background(), "user-2"))

	assert.False(t, sess.Favorites.IsMember("article-1"))
	got, err := sess.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, capability.TierMember, got.Tier())
}

func TestSessionsAcquireReusesAndRestarts(t *testing.T) {
	f := newFixture()
	f.favorites.seed("user-1", "article-1")
	reg := NewSessions(f.deps(), time.Hour)
	ctx := context.Background()

	first, err := reg.Acquire(ctx, "sid", "user-1")
	require.NoError(t, err)
	again, err := reg.Acquire(ctx, "sid", "user-1")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.True(t, again.Favorites.IsMember("article-1"))

	switched, err := reg.Acquire(ctx, "sid", "user-2")
	require.NoError(t, err)
	assert.Equal(t, "user-2", switched.UserID())
	assert.False(t, switched.Favorites.IsMember("article-1"))

	reg.Drop("sid")
	_, ok := reg.Lookup("sid")
	assert.False(t, ok)
	assert.True(t, first.Closed())
}

func TestSessionsAcquireRetriesFailedCapability(t *testing.T) {
	f := newFixture()
	f.favorites.seed("user-1", "article-1")
	f.ents.set("user-1", capability.Entitlements{Subscribed: true}, errors.New("connection reset"))
	reg := NewSessions(f.deps(), time.Hour)
	ctx := context.Background()

	first, err := reg.Acquire(ctx, "sid", "user-1")
	require.NoError(t, err)
	state := first.Capability.State()
	assert.Equal(t, capability.Anonymous, state.Capability)
	assert.True(t, state.Degraded)

	f.ents.set("user-1", capability.Entitlements{Subscribed: true}, nil)
	again, err := reg.Acquire(ctx, "sid", "user-1")
	require.NoError(t, err)
	assert.Same(t, first, again)
	state = again.Capability.State()
	assert.False(t, state.Degraded)
	assert.True(t, state.Capability.Subscribed)
	assert.True(t, again.Favorites.IsMember("article-1"))

	calls := f.ents.callCount()
	_, err = reg.Acquire(ctx, "sid", "user-1")
	require.NoError(t, err)
	assert.Equal(t, calls, f.ents.callCount())
}

func TestSessionsSweepRemovesIdle(t *testing.T) {
	f := newFixture()
	reg := NewSessions(f.deps(), time.Minute)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	ctx := context.Background()

	_, err := reg.Acquire(ctx, "old", "user-1")
	require.NoError(t, err)
	reg.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = reg.Acquire(ctx, "fresh", "user-2")
	require.NoError(t, err)

	removed := reg.Sweep(base.Add(150 * time.Second))

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Lookup("fresh")
	assert.True(t, ok)
}

func TestRefetchReloadsEverySessionOfUser(t *testing.T) {
	f := newFixture()
	reg := NewSessions(f.deps(), time.Hour)
	views := invalidation.NewRegistry(nil, discardLogger(), nil)
	reg.RegisterRefetchers(views)
	ctx := context.Background()

	tabA, err := reg.Acquire(ctx, "tab-a", "user-1")
	require.NoError(t, err)
	tabB, err := reg.Acquire(ctx, "tab-b", "user-1")
	require.NoError(t, err)
	stranger, err := reg.Acquire(ctx, "tab-c", "user-2")
	require.NoError(t, err)

	_, err = tabA.Favorites.Toggle(ctx, member, "article-1")
	require.NoError(t, err)
	require.NoError(t, views.Invalidate(ctx, invalidation.UserKey(invalidation.KindFavorites, "user-1")))

	assert.True(t, tabB.Favorites.IsMember("article-1"))
	assert.False(t, stranger.Favorites.IsMember("article-1"))
	assert.Len(t, reg.ForUser("user-1"), 2)
}

func TestKeyedLockHonoursContext(t *testing.T) {
	locks := newKeyedLock()
	unlock, err := locks.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, locks.Busy("k"))

	unlock()
	unlock()
	assert.False(t, locks.Busy("k"))
}
