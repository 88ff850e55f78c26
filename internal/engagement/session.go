package engagement

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/invalidation"
)

// Backends groups the record-store collaborators.
type Backends struct {
	Favorites MembershipBackend
	Likes     MembershipBackend
	Lists     ListBackend
	RSVPs     RSVPBackend
}

// Deps are shared by every session.
type Deps struct {
	Backends Backends
	Resolver *capability.Resolver
	Views    Invalidator
	Logger   *slog.Logger
	Validate *validator.Validate
}

// Session owns the engagement state of one signed-in browser session. Nothing
// it holds is shared with another session or persisted beyond it.
type Session struct {
	ID         string
	Capability *capability.Handle
	Favorites  *MembershipStore
	Likes      *MembershipStore
	Lists      *ListStore
	RSVPs      *RSVPStore

	life   *lifecycle
	logger *slog.Logger

	mu       sync.Mutex
	userID   string
	started  bool
	lastSeen time.Time
}

// NewSession wires the stores for one session.
func NewSession(id string, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("session_id", id))
	validate := deps.Validate
	if validate == nil {
		validate = validator.New()
	}
	life := &lifecycle{}
	notify := viewNotifier{views: deps.Views, logger: logger}
	return &Session{
		ID:         id,
		Capability: capability.NewHandle(deps.Resolver),
		Favorites:  newMembershipStore(SubjectFavorite, deps.Backends.Favorites, life, notify, logger),
		Likes:      newMembershipStore(SubjectLike, deps.Backends.Likes, life, notify, logger),
		Lists:      newListStore(deps.Backends.Lists, life, notify, validate, logger),
		RSVPs:      newRSVPStore(deps.Backends.RSVPs, life, notify, logger),
		life:       life,
		logger:     logger,
	}
}

// UserID returns the user the session currently belongs to.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Start resets local state for userID, resolves capability and loads the
// authoritative snapshots. An empty userID leaves the session anonymous.
func (s *Session) Start(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	s.reset(userID)
	s.mu.Lock()
	s.userID = userID
	s.started = true
	s.mu.Unlock()

	if userID == "" {
		s.Capability.Clear()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Capability.Refresh(ctx, userID)
		return nil
	})
	g.Go(func() error { return s.Favorites.Load(gctx, userID) })
	g.Go(func() error { return s.Likes.Load(gctx, userID) })
	g.Go(func() error { return s.Lists.Load(gctx, userID) })
	g.Go(func() error { return s.RSVPs.Load(gctx, userID) })
	if err := g.Wait(); err != nil {
		s.logger.Warn("load engagement snapshot", slog.Any("error", err))
		return err
	}
	return nil
}

// startedFor reports whether the session already belongs to userID with a
// resolved capability.
func (s *Session) startedFor(userID string) bool {
	s.mu.Lock()
	started := s.started && s.userID == userID
	s.mu.Unlock()
	return started && !s.Capability.State().Pending()
}

// Reload refreshes the store behind kind from the server.
func (s *Session) Reload(ctx context.Context, kind invalidation.Kind) error {
	userID := s.UserID()
	if userID == "" {
		return nil
	}
	switch kind {
	case invalidation.KindFavorites:
		return s.Favorites.Load(ctx, userID)
	case invalidation.KindLikes:
		return s.Likes.Load(ctx, userID)
	case invalidation.KindLists, invalidation.KindListItems:
		return s.Lists.Load(ctx, userID)
	case invalidation.KindRSVPs:
		return s.RSVPs.Load(ctx, userID)
	}
	return nil
}

// Capabilities waits for the session capability to resolve.
func (s *Session) Capabilities(ctx context.Context) (capability.Capability, error) {
	return s.Capability.Wait(ctx)
}

// reset discards all local state, binds the stores to userID and leaves
// capability pending. Mutations still in flight complete on the server but no
// longer touch this session.
func (s *Session) reset(userID string) {
	s.life.advance(func() {
		s.clearStores()
		s.Favorites.bind(userID)
		s.Likes.bind(userID)
		s.Lists.bind(userID)
		s.RSVPs.bind(userID)
	})
	s.Capability.Reset()
}

// Close tears the session down permanently.
func (s *Session) Close() {
	s.life.close(s.clearStores)
	s.Capability.Clear()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.life.isClosed()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) clearStores() {
	s.Favorites.clear()
	s.Likes.clear()
	s.Lists.clear()
	s.RSVPs.clear()
}
