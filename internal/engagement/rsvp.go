package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/invalidation"
)

// Status is a user's RSVP state for an event. StatusNone means no record.
type Status string

const (
	StatusNone       Status = "none"
	StatusGoing      Status = "going"
	StatusInterested Status = "interested"
)

// ParseStatus validates a status supplied by a caller.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusNone, StatusGoing, StatusInterested:
		return Status(raw), nil
	case "":
		return StatusNone, nil
	}
	return StatusNone, fmt.Errorf("engagement: rsvp status %q: %w", raw, ErrInvalid)
}

// RSVP is a stored response. Only going and interested are persisted.
type RSVP struct {
	ID      string
	EventID string
	UserID  string
	Status  Status
}

// RSVPCounts aggregates responses for one event.
type RSVPCounts struct {
	Going      int `json:"going"`
	Interested int `json:"interested"`
}

// RSVPBackend persists at most one RSVP per (user, event).
type RSVPBackend interface {
	List(ctx context.Context, userID string) ([]RSVP, error)
	Find(ctx context.Context, userID, eventID string) (RSVP, bool, error)
	Insert(ctx context.Context, userID, eventID string, status Status) (RSVP, error)
	// Update returns ErrRecordMissing when recordID no longer exists.
	Update(ctx context.Context, userID, recordID string, status Status) error
	Delete(ctx context.Context, userID, recordID string) error
}

// RSVPView is what the presentation layer renders for one event.
type RSVPView struct {
	Status   Status `json:"status"`
	Updating bool   `json:"updating"`
}

type rsvpEntry struct {
	RecordID string
	Status   Status
}

// RSVPStore applies RSVP transitions optimistically. Transitions for one
// event are serialised; a queued transition is computed against the state
// left by the one before it.
type RSVPStore struct {
	backend RSVPBackend
	notify  viewNotifier
	logger  *slog.Logger
	life    *lifecycle
	locks   *keyedLock
	obs     observers
	touched writeLog

	mu      sync.RWMutex
	userID  string
	entries map[string]rsvpEntry
}

func newRSVPStore(backend RSVPBackend, life *lifecycle, notify viewNotifier, logger *slog.Logger) *RSVPStore {
	return &RSVPStore{
		backend: backend,
		notify:  notify,
		logger:  logger.With(slog.String("store", "rsvps")),
		life:    life,
		locks:   newKeyedLock(),
		entries: make(map[string]rsvpEntry),
	}
}

// Load replaces local RSVPs with the server snapshot for userID. Events with
// a transition in flight, or written since the read began, keep their local
// entry.
func (s *RSVPStore) Load(ctx context.Context, userID string) error {
	gen := s.life.generation()
	mark := s.touched.begin()
	defer s.touched.end()
	records, err := s.backend.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("engagement: load rsvps: %w", Classify(err))
	}
	s.life.settle(gen, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		next := make(map[string]rsvpEntry, len(records))
		for _, rec := range records {
			next[rec.EventID] = rsvpEntry{RecordID: rec.ID, Status: rec.Status}
		}
		if s.userID == userID {
			overlay(next, s.entries, func(eventID string) bool {
				return s.locks.Busy(eventID) || s.touched.since(eventID, mark)
			})
		}
		s.userID = userID
		s.entries = next
	})
	return nil
}

// Status returns the local status for eventID.
func (s *RSVPStore) Status(eventID string) Status {
	return s.entry(eventID).Status
}

// View reports the status and whether a transition is in flight.
func (s *RSVPStore) View(eventID string) RSVPView {
	return RSVPView{Status: s.Status(eventID), Updating: s.locks.Busy(eventID)}
}

// Subscribe registers fn for local changes and returns its cancel func.
func (s *RSVPStore) Subscribe(fn Observer) func() {
	return s.obs.subscribe(fn)
}

// SetStatus moves the RSVP for eventID to going or interested.
func (s *RSVPStore) SetStatus(ctx context.Context, c capability.Capability, eventID string, status Status) (Status, error) {
	if status != StatusGoing && status != StatusInterested {
		return s.Status(eventID), fmt.Errorf("engagement: rsvp status %q: %w", status, ErrInvalid)
	}
	return s.transition(ctx, c, eventID, status)
}

// Remove deletes the RSVP for eventID.
func (s *RSVPStore) Remove(ctx context.Context, c capability.Capability, eventID string) (Status, error) {
	return s.transition(ctx, c, eventID, StatusNone)
}

func (s *RSVPStore) transition(ctx context.Context, c capability.Capability, eventID string, target Status) (Status, error) {
	if !c.CanMutate() {
		return s.Status(eventID), ErrAuthRequired
	}
	if err := validateID(eventID); err != nil {
		return StatusNone, fmt.Errorf("engagement: event %q: %w", eventID, err)
	}
	unlock, err := s.locks.Lock(ctx, eventID)
	if err != nil {
		return s.Status(eventID), err
	}
	defer unlock()

	gen := s.life.generation()
	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()
	if userID == "" {
		return s.Status(eventID), ErrAuthRequired
	}
	prev := s.entry(eventID)
	if prev.Status == target {
		return target, nil
	}

	m := newMutation(eventID, prev, rsvpEntry{RecordID: prev.RecordID, Status: target}, func(e rsvpEntry) { s.setEntry(eventID, e) })
	if !s.life.settle(gen, m.Apply) {
		return prev.Status, ErrDiscarded
	}
	s.emit(eventID, target, PhaseApplied)

	callCtx := context.WithoutCancel(ctx)
	final, err := s.persist(callCtx, userID, eventID, prev, target)
	if err != nil {
		if !s.life.settle(gen, m.Rollback) {
			return prev.Status, ErrDiscarded
		}
		s.emit(eventID, prev.Status, PhaseRolledBack)
		s.logger.Warn("rsvp rolled back", slog.String("event_id", eventID), slog.String("target", string(target)), slog.Any("error", err))
		return prev.Status, fmt.Errorf("engagement: rsvp %s: %w", eventID, err)
	}
	if !s.life.settle(gen, func() { m.Commit(final) }) {
		return final.Status, ErrDiscarded
	}
	s.emit(eventID, final.Status, PhaseCommitted)
	s.notify.invalidate(callCtx,
		invalidation.UserKey(invalidation.KindRSVPs, userID),
		invalidation.ResourceKey(invalidation.KindRSVPCount, eventID),
		invalidation.ResourceKey(invalidation.KindDetail, eventID),
	)
	return final.Status, nil
}

// persist writes the transition, choosing insert or update-in-place so the
// server never holds two records for one event.
func (s *RSVPStore) persist(ctx context.Context, userID, eventID string, prev rsvpEntry, target Status) (rsvpEntry, error) {
	if target == StatusNone {
		if prev.RecordID == "" {
			return rsvpEntry{Status: StatusNone}, nil
		}
		if err := Classify(s.backend.Delete(ctx, userID, prev.RecordID)); err != nil {
			return prev, err
		}
		return rsvpEntry{Status: StatusNone}, nil
	}
	if prev.RecordID != "" {
		err := s.backend.Update(ctx, userID, prev.RecordID, target)
		if err == nil {
			return rsvpEntry{RecordID: prev.RecordID, Status: target}, nil
		}
		if !errors.Is(err, ErrRecordMissing) {
			return prev, Classify(err)
		}
	}
	rec, err := s.backend.Insert(ctx, userID, eventID, target)
	err = Classify(err)
	if err == nil {
		return rsvpEntry{RecordID: rec.ID, Status: target}, nil
	}
	if !errors.Is(err, ErrConflict) {
		return prev, err
	}
	// Another client created the record first; update it in place.
	existing, found, ferr := s.backend.Find(ctx, userID, eventID)
	if ferr != nil {
		return prev, Classify(ferr)
	}
	if !found {
		return prev, err
	}
	if existing.Status != target {
		if uerr := s.backend.Update(ctx, userID, existing.ID, target); uerr != nil {
			return prev, Classify(uerr)
		}
	}
	return rsvpEntry{RecordID: existing.ID, Status: target}, nil
}

func (s *RSVPStore) entry(eventID string) rsvpEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[eventID]
	if !ok {
		return rsvpEntry{Status: StatusNone}
	}
	return e
}

func (s *RSVPStore) setEntry(eventID string, e rsvpEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched.touch(eventID)
	if e.Status == StatusNone || e.Status == "" {
		delete(s.entries, eventID)
		return
	}
	s.entries[eventID] = e
}

func (s *RSVPStore) emit(eventID string, status Status, phase MutationPhase) {
	s.obs.notify(Change{Subject: SubjectRSVP, ResourceID: eventID, Status: status, Member: status != StatusNone, Phase: phase})
}

func (s *RSVPStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	s.entries = make(map[string]rsvpEntry)
}

func (s *RSVPStore) bind(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}
