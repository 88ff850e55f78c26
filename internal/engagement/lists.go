package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/invalidation"
)

// FavoriteList is a named list owned by one user.
type FavoriteList struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ListItem places a resource in a list.
type ListItem struct {
	ListID     string
	ResourceID string
}

// ListBackend persists lists and their items. Every call is scoped to ownerID;
// lists of other owners are reported as pgx.ErrNoRows or a privilege error.
type ListBackend interface {
	Lists(ctx context.Context, ownerID string) ([]FavoriteList, error)
	Items(ctx context.Context, ownerID string) ([]ListItem, error)
	CreateList(ctx context.Context, ownerID, name string) (FavoriteList, error)
	DeleteList(ctx context.Context, ownerID, listID string) error
	AddItem(ctx context.Context, ownerID, listID, resourceID string) error
	RemoveItem(ctx context.Context, ownerID, listID, resourceID string) error
}

type listName struct {
	Name string `validate:"required,max=120"`
}

// ListStore tracks the current user's lists and per-list membership.
// Toggles are serialised per (list, resource) pair.
type ListStore struct {
	backend  ListBackend
	notify   viewNotifier
	logger   *slog.Logger
	validate *validator.Validate
	life     *lifecycle
	locks    *keyedLock
	obs      observers
	touched  writeLog

	mu     sync.RWMutex
	userID string
	lists  map[string]FavoriteList
	items  map[string]map[string]struct{}
}

func newListStore(backend ListBackend, life *lifecycle, notify viewNotifier, validate *validator.Validate, logger *slog.Logger) *ListStore {
	return &ListStore{
		backend:  backend,
		notify:   notify,
		logger:   logger.With(slog.String("store", "lists")),
		validate: validate,
		life:     life,
		locks:    newKeyedLock(),
		lists:    make(map[string]FavoriteList),
		items:    make(map[string]map[string]struct{}),
	}
}

func itemKey(listID, resourceID string) string {
	return listID + "/" + resourceID
}

func listKey(listID string) string {
	return "list:" + listID
}

// Load replaces lists and items with the server snapshot for userID. Lists
// deleted elsewhere disappear here.
func (s *ListStore) Load(ctx context.Context, userID string) error {
	gen := s.life.generation()
	mark := s.touched.begin()
	defer s.touched.end()
	lists, err := s.backend.Lists(ctx, userID)
	if err != nil {
		return fmt.Errorf("engagement: load lists: %w", Classify(err))
	}
	items, err := s.backend.Items(ctx, userID)
	if err != nil {
		return fmt.Errorf("engagement: load list items: %w", Classify(err))
	}
	s.life.settle(gen, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		nextLists := make(map[string]FavoriteList, len(lists))
		for _, l := range lists {
			nextLists[l.ID] = l
		}
		nextItems := make(map[string]map[string]struct{}, len(lists))
		for _, it := range items {
			if _, ok := nextLists[it.ListID]; !ok {
				continue
			}
			if nextItems[it.ListID] == nil {
				nextItems[it.ListID] = make(map[string]struct{})
			}
			nextItems[it.ListID][it.ResourceID] = struct{}{}
		}
		if s.userID == userID {
			s.keepLocal(mark, nextLists, nextItems)
		}
		s.userID = userID
		s.lists = nextLists
		s.items = nextItems
	})
	return nil
}

// keepLocal carries local lists and items into a fresh snapshot when their
// key is busy or was written after mark. Caller holds s.mu.
func (s *ListStore) keepLocal(mark uint64, nextLists map[string]FavoriteList, nextItems map[string]map[string]struct{}) {
	keep := func(key string) bool {
		return s.locks.Busy(key) || s.touched.since(key, mark)
	}
	overlay(nextLists, s.lists, func(listID string) bool { return keep(listKey(listID)) })
	for listID := range nextLists {
		next := nextItems[listID]
		if next == nil {
			next = make(map[string]struct{})
		}
		overlay(next, s.items[listID], func(resourceID string) bool {
			return keep(itemKey(listID, resourceID))
		})
		if len(next) > 0 {
			nextItems[listID] = next
		} else {
			delete(nextItems, listID)
		}
	}
	for listID := range nextItems {
		if _, ok := nextLists[listID]; !ok {
			delete(nextItems, listID)
		}
	}
}

// Lists returns the owned lists ordered by creation time.
func (s *ListStore) Lists() []FavoriteList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FavoriteList, 0, len(s.lists))
	for _, l := range s.lists {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Items returns the sorted resource ids in listID.
func (s *ListStore) Items(listID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items[listID]))
	for id := range s.items[listID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsInList reads the local cache.
func (s *ListStore) IsInList(listID, resourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[listID][resourceID]
	return ok
}

// ListsContaining returns the ids of lists holding resourceID.
func (s *ListStore) ListsContaining(resourceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for listID, members := range s.items {
		if _, ok := members[resourceID]; ok {
			out = append(out, listID)
		}
	}
	sort.Strings(out)
	return out
}

// Pending reports whether a toggle for the pair is in flight or queued.
func (s *ListStore) Pending(listID, resourceID string) bool {
	return s.locks.Busy(itemKey(listID, resourceID))
}

// Subscribe registers fn for local changes and returns its cancel func.
func (s *ListStore) Subscribe(fn Observer) func() {
	return s.obs.subscribe(fn)
}

// CreateList creates a list named name. Blank names are rejected locally.
func (s *ListStore) CreateList(ctx context.Context, c capability.Capability, name string) (*FavoriteList, error) {
	if !c.CanMutate() {
		return nil, ErrAuthRequired
	}
	name = norm.NFC.String(strings.TrimSpace(name))
	if err := s.validate.Struct(listName{Name: name}); err != nil {
		return nil, fmt.Errorf("engagement: list name: %w", ErrInvalid)
	}
	gen := s.life.generation()
	userID := s.owner()
	if userID == "" {
		return nil, ErrAuthRequired
	}

	created, err := s.backend.CreateList(context.WithoutCancel(ctx), userID, name)
	if err != nil {
		err = Classify(err)
		s.logger.Warn("create list", slog.Any("error", err))
		return nil, fmt.Errorf("engagement: create list: %w", err)
	}
	if !s.life.settle(gen, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touched.touch(listKey(created.ID))
		s.lists[created.ID] = created
	}) {
		return &created, ErrDiscarded
	}
	s.obs.notify(Change{Subject: SubjectList, ListID: created.ID, Member: true, Phase: PhaseCommitted})
	s.notify.invalidate(context.WithoutCancel(ctx), invalidation.UserKey(invalidation.KindLists, userID))
	return &created, nil
}

// CreateListWithItem creates a list and adds resourceID to it as one user
// action. When the add fails the list is kept and the error wraps ErrPartial.
func (s *ListStore) CreateListWithItem(ctx context.Context, c capability.Capability, name, resourceID string) (*FavoriteList, error) {
	if err := validateID(resourceID); err != nil {
		return nil, fmt.Errorf("engagement: list item %q: %w", resourceID, err)
	}
	created, err := s.CreateList(ctx, c, name)
	if err != nil {
		return created, err
	}
	if _, err := s.AddToList(ctx, c, created.ID, resourceID); err != nil {
		return created, fmt.Errorf("%w: %w", ErrPartial, err)
	}
	return created, nil
}

// DeleteList removes an owned list and its items.
func (s *ListStore) DeleteList(ctx context.Context, c capability.Capability, listID string) error {
	if !c.CanMutate() {
		return ErrAuthRequired
	}
	if err := validateID(listID); err != nil {
		return fmt.Errorf("engagement: list %q: %w", listID, err)
	}
	if !s.owns(listID) {
		return fmt.Errorf("engagement: list %s: %w", listID, ErrNotAuthorized)
	}
	unlock, err := s.locks.Lock(ctx, listKey(listID))
	if err != nil {
		return err
	}
	defer unlock()

	gen := s.life.generation()
	userID := s.owner()
	callCtx := context.WithoutCancel(ctx)
	if err := Classify(s.backend.DeleteList(callCtx, userID, listID)); err != nil {
		s.logger.Warn("delete list", slog.String("list_id", listID), slog.Any("error", err))
		return fmt.Errorf("engagement: delete list %s: %w", listID, err)
	}
	if !s.life.settle(gen, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touched.touch(listKey(listID))
		delete(s.lists, listID)
		delete(s.items, listID)
	}) {
		return ErrDiscarded
	}
	s.obs.notify(Change{Subject: SubjectList, ListID: listID, Member: false, Phase: PhaseCommitted})
	s.notify.invalidate(callCtx,
		invalidation.UserKey(invalidation.KindLists, userID),
		invalidation.Key{Kind: invalidation.KindListItems, Scope: []string{userID, listID}},
	)
	return nil
}

// AddToList puts resourceID in listID and returns the resulting membership.
func (s *ListStore) AddToList(ctx context.Context, c capability.Capability, listID, resourceID string) (bool, error) {
	return s.setItem(ctx, c, listID, resourceID, true)
}

// RemoveFromList takes resourceID out of listID and returns the resulting membership.
func (s *ListStore) RemoveFromList(ctx context.Context, c capability.Capability, listID, resourceID string) (bool, error) {
	return s.setItem(ctx, c, listID, resourceID, false)
}

func (s *ListStore) setItem(ctx context.Context, c capability.Capability, listID, resourceID string, want bool) (bool, error) {
	if !c.CanMutate() {
		return s.IsInList(listID, resourceID), ErrAuthRequired
	}
	if err := validateID(listID); err != nil {
		return false, fmt.Errorf("engagement: list %q: %w", listID, err)
	}
	if err := validateID(resourceID); err != nil {
		return false, fmt.Errorf("engagement: list item %q: %w", resourceID, err)
	}
	if !s.owns(listID) {
		return false, fmt.Errorf("engagement: list %s: %w", listID, ErrNotAuthorized)
	}
	key := itemKey(listID, resourceID)
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return s.IsInList(listID, resourceID), err
	}
	defer unlock()

	gen := s.life.generation()
	userID := s.owner()
	current := s.IsInList(listID, resourceID)
	if current == want {
		return current, nil
	}

	m := newMutation(key, current, want, func(member bool) { s.setMember(listID, resourceID, member) })
	if !s.life.settle(gen, m.Apply) {
		return current, ErrDiscarded
	}
	s.emitItem(listID, resourceID, m.Next, PhaseApplied)

	callCtx := context.WithoutCancel(ctx)
	if want {
		err = s.backend.AddItem(callCtx, userID, listID, resourceID)
	} else {
		err = s.backend.RemoveItem(callCtx, userID, listID, resourceID)
	}
	err = Classify(err)
	if errors.Is(err, ErrConflict) {
		err = nil
	}
	if err != nil {
		if !s.life.settle(gen, m.Rollback) {
			return current, ErrDiscarded
		}
		s.emitItem(listID, resourceID, m.Previous, PhaseRolledBack)
		s.logger.Warn("list toggle rolled back", slog.String("list_id", listID), slog.String("resource_id", resourceID), slog.Any("error", err))
		return m.Previous, fmt.Errorf("engagement: list %s item %s: %w", listID, resourceID, err)
	}
	if !s.life.settle(gen, func() { m.Commit(want) }) {
		return want, ErrDiscarded
	}
	s.emitItem(listID, resourceID, want, PhaseCommitted)
	s.notify.invalidate(callCtx,
		invalidation.Key{Kind: invalidation.KindListItems, Scope: []string{userID, listID}},
		invalidation.ResourceKey(invalidation.KindDetail, resourceID),
	)
	return want, nil
}

func (s *ListStore) setMember(listID, resourceID string, member bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched.touch(itemKey(listID, resourceID))
	if member {
		if _, ok := s.lists[listID]; !ok {
			return
		}
		if s.items[listID] == nil {
			s.items[listID] = make(map[string]struct{})
		}
		s.items[listID][resourceID] = struct{}{}
		return
	}
	delete(s.items[listID], resourceID)
}

func (s *ListStore) emitItem(listID, resourceID string, member bool, phase MutationPhase) {
	s.obs.notify(Change{Subject: SubjectListItem, ListID: listID, ResourceID: resourceID, Member: member, Phase: phase})
}

func (s *ListStore) owns(listID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lists[listID]
	return ok
}

func (s *ListStore) owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *ListStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	s.lists = make(map[string]FavoriteList)
	s.items = make(map[string]map[string]struct{})
}

func (s *ListStore) bind(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}
