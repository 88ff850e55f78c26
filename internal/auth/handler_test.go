package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/creative-atlas/atlas/internal/auth"
	"github.com/creative-atlas/atlas/internal/shared"
	_ "github.com/creative-atlas/atlas/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]string
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, auth.ErrUserNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type dropRecorder struct {
	dropped []string
}

func (d *dropRecorder) Drop(sessionID string) {
	d.dropped = append(d.dropped, sessionID)
}

type harness struct {
	repo    *stubRepo
	drops   *dropRecorder
	manager *shared.SessionManager
	router  http.Handler
	sess    *shared.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		repo: &stubRepo{
			user:     &auth.User{ID: "user-1", Email: "user@test.local", PasswordHash: string(hashed), IsActive: true},
			sessions: make(map[string]string),
		},
		drops:   &dropRecorder{},
		manager: shared.NewSessionManager(client, "test_session", time.Hour, false),
	}
	h.sess, err = h.manager.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	handler := auth.NewHandler(nil, auth.NewService(h.repo), h.manager, shared.NewCSRFManager("csrfsecret"), h.drops)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), h.sess)))
		})
	})
	r.Route("/auth", handler.MountRoutes)
	h.router = r
	return h
}

func (h *harness) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestLoginRotatesSessionAndDropsEngagementState(t *testing.T) {
	h := newHarness(t)
	anonymousID := h.sess.ID

	rec := h.post("/auth/login", `{"email":"user@test.local","password":"correctpass"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		UserID    string `json:"user_id"`
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user-1", body.UserID)
	assert.NotEmpty(t, body.CSRFToken)
	assert.Equal(t, body.CSRFToken, h.sess.Get(shared.CSRFSessionKey))

	assert.NotEqual(t, anonymousID, h.sess.ID)
	assert.Equal(t, "user-1", h.sess.User())
	assert.Equal(t, []string{anonymousID}, h.drops.dropped)
	assert.Equal(t, "user-1", h.repo.sessions[h.sess.ID])
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/auth/login", `{"email":"user@test.local","password":"wrongpass"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid email or password")
	assert.Empty(t, h.sess.User())
	assert.Empty(t, h.drops.dropped)
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/auth/login", `{"email":"not-an-email","password":"x"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutDestroysSession(t *testing.T) {
	h := newHarness(t)
	h.sess.SetUser("user-1")
	id := h.sess.ID

	rec := h.post("/auth/logout", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{id}, h.drops.dropped)

	commit := httptest.NewRecorder()
	require.NoError(t, h.manager.Commit(context.Background(), commit, h.sess))
	cookies := commit.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestMeRequiresSignIn(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCSRFEndpointIssuesStableToken(t *testing.T) {
	h := newHarness(t)

	first := httptest.NewRecorder()
	h.router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/auth/csrf", nil))
	second := httptest.NewRecorder()
	h.router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/auth/csrf", nil))

	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}
