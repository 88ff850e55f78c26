package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/invalidation"
)

// MembershipBackend persists (user, resource) pairs. Insert and Delete are the
// only verbs; a duplicate insert surfaces as a unique violation.
type MembershipBackend interface {
	List(ctx context.Context, userID string) ([]string, error)
	Insert(ctx context.Context, userID, resourceID string) error
	Delete(ctx context.Context, userID, resourceID string) error
}

// MembershipStore keeps one user's membership set (favorites or likes) with
// optimistic toggling. Toggles for the same resource run one at a time.
type MembershipStore struct {
	subject Subject
	backend MembershipBackend
	notify  viewNotifier
	logger  *slog.Logger
	life    *lifecycle
	locks   *keyedLock
	obs     observers
	touched writeLog

	mu      sync.RWMutex
	userID  string
	members map[string]struct{}
}

func newMembershipStore(subject Subject, backend MembershipBackend, life *lifecycle, notify viewNotifier, logger *slog.Logger) *MembershipStore {
	return &MembershipStore{
		subject: subject,
		backend: backend,
		notify:  notify,
		logger:  logger.With(slog.String("store", string(subject))),
		life:    life,
		locks:   newKeyedLock(),
		members: make(map[string]struct{}),
	}
}

// Load replaces the local set with the server snapshot for userID. Entries
// with a toggle in flight, or written since the read began, keep their local
// value.
func (s *MembershipStore) Load(ctx context.Context, userID string) error {
	gen := s.life.generation()
	mark := s.touched.begin()
	defer s.touched.end()
	ids, err := s.backend.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("engagement: load %s: %w", s.subject, Classify(err))
	}
	s.life.settle(gen, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		next := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			next[id] = struct{}{}
		}
		if s.userID == userID {
			overlay(next, s.members, func(id string) bool {
				return s.locks.Busy(id) || s.touched.since(id, mark)
			})
		}
		s.userID = userID
		s.members = next
	})
	return nil
}

// IsMember reads the local cache.
func (s *MembershipStore) IsMember(resourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[resourceID]
	return ok
}

// Pending reports whether a toggle for resourceID is in flight or queued.
func (s *MembershipStore) Pending(resourceID string) bool {
	return s.locks.Busy(resourceID)
}

// Members returns the sorted member ids.
func (s *MembershipStore) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers fn for local changes and returns its cancel func.
func (s *MembershipStore) Subscribe(fn Observer) func() {
	return s.obs.subscribe(fn)
}

// Toggle flips membership of resourceID and returns the new state. Without
// authentication it returns ErrAuthRequired and makes no server call.
func (s *MembershipStore) Toggle(ctx context.Context, c capability.Capability, resourceID string) (bool, error) {
	if !c.CanMutate() {
		return s.IsMember(resourceID), ErrAuthRequired
	}
	if err := validateID(resourceID); err != nil {
		return false, fmt.Errorf("engagement: toggle %s %q: %w", s.subject, resourceID, err)
	}
	unlock, err := s.locks.Lock(ctx, resourceID)
	if err != nil {
		return s.IsMember(resourceID), fmt.Errorf("engagement: toggle %s: %w", s.subject, err)
	}
	defer unlock()

	gen := s.life.generation()
	s.mu.RLock()
	userID := s.userID
	_, current := s.members[resourceID]
	s.mu.RUnlock()
	if userID == "" {
		return current, ErrAuthRequired
	}

	m := newMutation(resourceID, current, !current, func(member bool) { s.set(resourceID, member) })
	if !s.life.settle(gen, m.Apply) {
		return current, ErrDiscarded
	}
	s.emit(resourceID, m.Next, PhaseApplied)

	// The server call outlives the caller; only local settlement is discarded.
	callCtx := context.WithoutCancel(ctx)
	if m.Next {
		err = s.backend.Insert(callCtx, userID, resourceID)
	} else {
		err = s.backend.Delete(callCtx, userID, resourceID)
	}
	err = Classify(err)
	if errors.Is(err, ErrConflict) {
		err = nil
	}

	if err != nil {
		if !s.life.settle(gen, m.Rollback) {
			return current, ErrDiscarded
		}
		s.emit(resourceID, m.Previous, PhaseRolledBack)
		s.logger.Warn("toggle rolled back", slog.String("resource_id", resourceID), slog.Any("error", err))
		return m.Previous, fmt.Errorf("engagement: toggle %s %s: %w", s.subject, resourceID, err)
	}

	if !s.life.settle(gen, func() { m.Commit(m.Next) }) {
		return m.Next, ErrDiscarded
	}
	s.emit(resourceID, m.Next, PhaseCommitted)
	s.notify.invalidate(callCtx, s.dependentViews(userID, resourceID)...)
	return m.Next, nil
}

func (s *MembershipStore) dependentViews(userID, resourceID string) []invalidation.Key {
	switch s.subject {
	case SubjectLike:
		return []invalidation.Key{
			invalidation.UserKey(invalidation.KindLikes, userID),
			invalidation.ResourceKey(invalidation.KindLikeCount, resourceID),
			invalidation.ResourceKey(invalidation.KindDetail, resourceID),
		}
	default:
		return []invalidation.Key{
			invalidation.UserKey(invalidation.KindFavorites, userID),
			invalidation.ResourceKey(invalidation.KindDetail, resourceID),
		}
	}
}

func (s *MembershipStore) set(resourceID string, member bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched.touch(resourceID)
	if member {
		s.members[resourceID] = struct{}{}
		return
	}
	delete(s.members, resourceID)
}

func (s *MembershipStore) emit(resourceID string, member bool, phase MutationPhase) {
	s.obs.notify(Change{Subject: s.subject, ResourceID: resourceID, Member: member, Phase: phase})
}

func (s *MembershipStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	s.members = make(map[string]struct{})
}

func (s *MembershipStore) bind(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}
