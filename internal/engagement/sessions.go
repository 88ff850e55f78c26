package engagement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/creative-atlas/atlas/internal/invalidation"
)

// Sessions indexes live engagement sessions by browser session id.
type Sessions struct {
	deps   Deps
	idle   time.Duration
	logger *slog.Logger
	now    func() time.Time

	starts singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry. Sessions unused for longer than idle
// are closed by Sweep; idle <= 0 disables sweeping.
func NewSessions(deps Deps, idle time.Duration) *Sessions {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		deps:     deps,
		idle:     idle,
		logger:   logger.With(slog.String("component", "engagement.sessions")),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the session for sessionID, starting it for userID when it
// is new or when the signed-in user changed. A capability whose last lookup
// failed is resolved again.
func (r *Sessions) Acquire(ctx context.Context, sessionID, userID string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok && sess.Closed() {
		ok = false
	}
	if !ok {
		sess = NewSession(sessionID, r.deps)
		r.sessions[sessionID] = sess
	}
	r.mu.Unlock()

	sess.touch(r.now())
	if sess.startedFor(userID) && !sess.Capability.State().Degraded {
		return sess, nil
	}
	_, err, _ := r.starts.Do(sessionID+"\x00"+userID, func() (interface{}, error) {
		if sess.startedFor(userID) {
			// Keep the loaded stores; only the failed capability lookup is retried.
			if sess.Capability.State().Degraded {
				sess.Capability.Refresh(ctx, userID)
			}
			return nil, nil
		}
		return nil, sess.Start(ctx, userID)
	})
	if err != nil {
		// Forget the half-loaded session so the next request starts over.
		r.mu.Lock()
		if r.sessions[sessionID] == sess {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// Lookup returns a live session without starting one.
func (r *Sessions) Lookup(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok || sess.Closed() {
		return nil, false
	}
	return sess, true
}

// Drop closes and forgets the session, typically on sign-in or sign-out.
func (r *Sessions) Drop(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// ForUser returns every live session signed in as userID.
func (r *Sessions) ForUser(userID string) []*Session {
	if userID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, sess := range r.sessions {
		if !sess.Closed() && sess.UserID() == userID {
			out = append(out, sess)
		}
	}
	return out
}

// Len reports the number of tracked sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle since before now minus the idle window and
// returns how many were removed.
func (r *Sessions) Sweep(now time.Time) int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := now.Add(-r.idle)
	r.mu.Lock()
	var stale []*Session
	for id, sess := range r.sessions {
		if sess.Closed() || sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, sess := range stale {
		sess.Close()
	}
	if len(stale) > 0 {
		r.logger.Debug("swept idle sessions", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// RunSweeper sweeps every interval until ctx is done.
func (r *Sessions) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// RegisterRefetchers reloads the matching store of every session of the
// scoped user whenever a user-scoped view is invalidated.
func (r *Sessions) RegisterRefetchers(views *invalidation.Registry) {
	for _, kind := range []invalidation.Kind{
		invalidation.KindFavorites,
		invalidation.KindLikes,
		invalidation.KindLists,
		invalidation.KindListItems,
		invalidation.KindRSVPs,
	} {
		views.Register(kind, r.refetch)
	}
}

func (r *Sessions) refetch(ctx context.Context, key invalidation.Key) error {
	var errs []error
	for _, sess := range r.ForUser(key.FirstScope()) {
		if err := sess.Reload(ctx, key.Kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
