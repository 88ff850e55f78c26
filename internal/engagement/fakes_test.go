package engagement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/goleak"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/invalidation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	member     = capability.New(true, false, false)
	subscriber = capability.New(true, true, false)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hold lets a test park a backend call until released.
type hold struct {
	started chan struct{}
	release chan struct{}
}

func newHold() *hold {
	return &hold{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (h *hold) wait() {
	if h == nil {
		return
	}
	h.started <- struct{}{}
	<-h.release
}

type memMembership struct {
	mu       sync.Mutex
	rows     map[string]map[string]struct{}
	calls    int
	fail     error
	hold     *hold
	readHold *hold
}

func newMemMembership() *memMembership {
	return &memMembership{rows: make(map[string]map[string]struct{})}
}

func (m *memMembership) List(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	out := make([]string, 0, len(m.rows[userID]))
	for id := range m.rows[userID] {
		out = append(out, id)
	}
	h := m.readHold
	m.mu.Unlock()
	sort.Strings(out)
	h.wait()
	return out, nil
}

func (m *memMembership) Insert(ctx context.Context, userID, resourceID string) error {
	m.mu.Lock()
	h := m.hold
	m.mu.Unlock()
	h.wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	if m.rows[userID] == nil {
		m.rows[userID] = make(map[string]struct{})
	}
	if _, ok := m.rows[userID][resourceID]; ok {
		return &pgconn.PgError{Code: "23505"}
	}
	m.rows[userID][resourceID] = struct{}{}
	return nil
}

func (m *memMembership) Delete(ctx context.Context, userID, resourceID string) error {
	m.mu.Lock()
	h := m.hold
	m.mu.Unlock()
	h.wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	delete(m.rows[userID], resourceID)
	return nil
}

func (m *memMembership) seed(userID string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[userID] == nil {
		m.rows[userID] = make(map[string]struct{})
	}
	for _, id := range ids {
		m.rows[userID][id] = struct{}{}
	}
}

func (m *memMembership) has(userID, resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[userID][resourceID]
	return ok
}

func (m *memMembership) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memMembership) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memMembership) setHold(h *hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = h
}

// setReadHold parks List after it has read the rows.
func (m *memMembership) setReadHold(h *hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readHold = h
}

type memLists struct {
	mu       sync.Mutex
	seq      int
	lists    map[string]FavoriteList
	items    map[string]map[string]struct{}
	calls    int
	addFail  error
	hold     *hold
	readHold *hold
}

func newMemLists() *memLists {
	return &memLists{lists: make(map[string]FavoriteList), items: make(map[string]map[string]struct{})}
}

func (m *memLists) Lists(ctx context.Context, ownerID string) ([]FavoriteList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FavoriteList
	for _, l := range m.lists {
		if l.OwnerID == ownerID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memLists) Items(ctx context.Context, ownerID string) ([]ListItem, error) {
	m.mu.Lock()
	var out []ListItem
	for listID, members := range m.items {
		if m.lists[listID].OwnerID != ownerID {
			continue
		}
		for id := range members {
			out = append(out, ListItem{ListID: listID, ResourceID: id})
		}
	}
	h := m.readHold
	m.mu.Unlock()
	h.wait()
	return out, nil
}

func (m *memLists) CreateList(ctx context.Context, ownerID, name string) (FavoriteList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.seq++
	l := FavoriteList{
		ID:        fmt.Sprintf("list-%d", m.seq),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, m.seq, 0, time.UTC),
	}
	m.lists[l.ID] = l
	return l, nil
}

func (m *memLists) DeleteList(ctx context.Context, ownerID, listID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if l, ok := m.lists[listID]; !ok || l.OwnerID != ownerID {
		return pgx.ErrNoRows
	}
	delete(m.lists, listID)
	delete(m.items, listID)
	return nil
}

func (m *memLists) AddItem(ctx context.Context, ownerID, listID, resourceID string) error {
	m.mu.Lock()
	h := m.hold
	m.mu.Unlock()
	h.wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.addFail != nil {
		return m.addFail
	}
	if l, ok := m.lists[listID]; !ok || l.OwnerID != ownerID {
		return &pgconn.PgError{Code: "42501"}
	}
	if m.items[listID] == nil {
		m.items[listID] = make(map[string]struct{})
	}
	m.items[listID][resourceID] = struct{}{}
	return nil
}

func (m *memLists) RemoveItem(ctx context.Context, ownerID, listID, resourceID string) error {
	m.mu.Lock()
	h := m.hold
	m.mu.Unlock()
	h.wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if l, ok := m.lists[listID]; !ok || l.OwnerID != ownerID {
		return &pgconn.PgError{Code: "42501"}
	}
	delete(m.items[listID], resourceID)
	return nil
}

func (m *memLists) hasItem(listID, resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[listID][resourceID]
	return ok
}

func (m *memLists) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memLists) setHold(h *hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = h
}

// setReadHold parks Items after it has read the rows.
func (m *memLists) setReadHold(h *hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readHold = h
}

type memRSVPs struct {
	mu       sync.Mutex
	seq      int
	records  map[string]RSVP
	ops      []string
	fail     error
	hold     *hold
	readHold *hold
}

func newMemRSVPs() *memRSVPs {
	return &memRSVPs{records: make(map[string]RSVP)}
}

func (m *memRSVPs) List(ctx context.Context, userID string) ([]RSVP, error) {
	m.mu.Lock()
	var out []RSVP
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	h := m.readHold
	m.mu.Unlock()
	h.wait()
	return out, nil
}

func (m *memRSVPs) Find(ctx context.Context, userID, eventID string) (RSVP, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "find")
	for _, r := range m.records {
		if r.UserID == userID && r.EventID == eventID {
			return r, true, nil
		}
	}
	return RSVP{}, false, nil
}

func (m *memRSVPs) Insert(ctx context.Context, userID, eventID string, status Status) (RSVP, error) {
	m.mu.Lock()
	h := m.hold
	m.mu.Unlock()
	h.wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "insert")
	if m.fail != nil {
		return RSVP{}, m.fail
	}
	for _, r := range m.records {
		if r.UserID == userID && r.EventID == eventID {
			return RSVP{}, &pgconn.PgError{Code: "23505"}
		}
	}
	m.seq++
	rec := RSVP{ID: fmt.Sprintf("rsvp-%d", m.seq), EventID: eventID, UserID: userID, Status: status}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *memRSVPs) Update(ctx context.Context, userID, recordID string, status Status) error {
	m.mu.Lock()
	h := m.hold
	m.mu.Unlock()
	h.wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "update")
	if m.fail != nil {
		return m.fail
	}
	rec, ok := m.records[recordID]
	if !ok || rec.UserID != userID {
		return ErrRecordMissing
	}
	rec.Status = status
	m.records[recordID] = rec
	return nil
}

func (m *memRSVPs) Delete(ctx context.Context, userID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "delete")
	if m.fail != nil {
		return m.fail
	}
	delete(m.records, recordID)
	return nil
}

func (m *memRSVPs) put(rec RSVP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
}

func (m *memRSVPs) forUser(userID string) []RSVP {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RSVP
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func (m *memRSVPs) operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func (m *memRSVPs) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memRSVPs) setHold(h *hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = h
}

// setReadHold parks List after it has read the records.
func (m *memRSVPs) setReadHold(h *hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readHold = h
}

type stubEntitlements struct {
	mu    sync.Mutex
	ent   map[string]capability.Entitlements
	fail  error
	calls int
}

func (s *stubEntitlements) Entitlements(ctx context.Context, userID string) (capability.Entitlements, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return capability.Entitlements{}, s.fail
	}
	return s.ent[userID], nil
}

func (s *stubEntitlements) set(userID string, ent capability.Entitlements, fail error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ent[userID] = ent
	s.fail = fail
}

func (s *stubEntitlements) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingViews struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingViews) Invalidate(ctx context.Context, keys ...invalidation.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.keys = append(r.keys, k.String())
	}
	return nil
}

func (r *recordingViews) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type fixture struct {
	favorites *memMembership
	likes     *memMembership
	lists     *memLists
	rsvps     *memRSVPs
	ents      *stubEntitlements
	views     *recordingViews
}

func newFixture() *fixture {
	return &fixture{
		favorites: newMemMembership(),
		likes:     newMemMembership(),
		lists:     newMemLists(),
		rsvps:     newMemRSVPs(),
		ents:      &stubEntitlements{ent: map[string]capability.Entitlements{}},
		views:     &recordingViews{},
	}
}

func (f *fixture) deps() Deps {
	logger := discardLogger()
	return Deps{
		Backends: Backends{
			Favorites: f.favorites,
			Likes:     f.likes,
			Lists:     f.lists,
			RSVPs:     f.rsvps,
		},
		Resolver: capability.NewResolver(f.ents, logger, time.Second),
		Views:    f.views,
		Logger:   logger,
	}
}

func (f *fixture) session(t *testing.T, userID string) *Session {
	t.Helper()
	sess := NewSession("sess-1", f.deps())
	if err := sess.Start(context.Background(), userID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeLog) observe(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
}

func (c *changeLog) phases() []MutationPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MutationPhase, 0, len(c.changes))
	for _, ch := range c.changes {
		out = append(out, ch.Phase)
	}
	return out
}
