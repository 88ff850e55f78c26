// Package http exposes engagement state to the presentation layer as JSON.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/engagement"
	"github.com/creative-atlas/atlas/internal/invalidation"
	"github.com/creative-atlas/atlas/internal/platform/httpx"
	"github.com/creative-atlas/atlas/internal/shared"
)

// SignInPath is where unauthenticated mutations are sent.
const SignInPath = "/auth/login"

// Config tunes the handler.
type Config struct {
	// CapabilityWait bounds how long a request waits for capability resolution.
	CapabilityWait time.Duration
	// MutationsPerMinute limits mutating calls per user; zero disables the limit.
	MutationsPerMinute int
}

// Handler serves engagement endpoints.
type Handler struct {
	logger   *slog.Logger
	sessions *engagement.Sessions
	counts   engagement.CountsReader
	contacts engagement.ContactReader
	cache    *invalidation.Cache
	metrics  *invalidation.Metrics
	validate *validator.Validate
	cfg      Config
	limit    func(http.Handler) http.Handler
}

// NewHandler constructs the engagement handler. views supplies the count
// cache and its lookup metrics.
func NewHandler(logger *slog.Logger, sessions *engagement.Sessions, views *invalidation.Registry, counts engagement.CountsReader, contacts engagement.ContactReader, cfg Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CapabilityWait <= 0 {
		cfg.CapabilityWait = 3 * time.Second
	}
	h := &Handler{
		logger:   logger.With(slog.String("component", "engagement.http")),
		sessions: sessions,
		counts:   counts,
		contacts: contacts,
		validate: validator.New(),
		cfg:      cfg,
		limit:    func(next http.Handler) http.Handler { return next },
	}
	if views != nil {
		h.cache = views.Cache()
		h.metrics = views.Metrics()
	}
	if cfg.MutationsPerMinute > 0 {
		h.limit = httprate.Limit(cfg.MutationsPerMinute, time.Minute, httprate.WithKeyFuncs(limitKey))
	}
	return h
}

// MountRoutes registers the /api routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.withSession)
		r.Get("/me/capability", h.handleCapability)

		r.Get("/favorites", h.handleFavorites)
		r.Get("/likes", h.handleLikes)
		r.Get("/articles/{articleID}/likes/count", h.handleLikeCount)
		r.Get("/lists", h.handleLists)
		r.Get("/events/{eventID}/rsvp", h.handleRSVP)
		r.Get("/events/{eventID}/rsvp/counts", h.handleRSVPCounts)
		r.Get("/contacts/{resourceID}", h.handleContact)

		r.Group(func(r chi.Router) {
			r.Use(h.limit)
			r.Post("/favorites/{resourceID}/toggle", h.handleToggleFavorite)
			r.Post("/articles/{articleID}/like/toggle", h.handleToggleLike)
			r.Post("/lists", h.handleCreateList)
			r.Delete("/lists/{listID}", h.handleDeleteList)
			r.Put("/lists/{listID}/items/{resourceID}", h.handleAddToList)
			r.Delete("/lists/{listID}/items/{resourceID}", h.handleRemoveFromList)
			r.Put("/events/{eventID}/rsvp", h.handleSetRSVP)
			r.Delete("/events/{eventID}/rsvp", h.handleRemoveRSVP)
		})
	})
}

type engagementContextKey struct{}

// withSession binds the engagement session of the browser session to the request.
func (h *Handler) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		browser := shared.SessionFromContext(r.Context())
		if browser == nil {
			next.ServeHTTP(w, r)
			return
		}
		sess, err := h.sessions.Acquire(r.Context(), browser.ID, strings.TrimSpace(browser.User()))
		if err != nil {
			h.logger.Warn("acquire engagement session", slog.Any("error", err))
			h.respondError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), engagementContextKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(ctx context.Context) *engagement.Session {
	sess, _ := ctx.Value(engagementContextKey{}).(*engagement.Session)
	return sess
}

// capabilityFor resolves the capability once per request.
func (h *Handler) capabilityFor(r *http.Request) (*engagement.Session, capability.Capability) {
	sess := sessionFrom(r.Context())
	if sess == nil {
		return nil, capability.Anonymous
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.CapabilityWait)
	defer cancel()
	c, err := sess.Capabilities(ctx)
	if err != nil {
		h.logger.Warn("capability wait", slog.String("session_id", sess.ID), slog.Any("error", err))
		return sess, capability.Anonymous
	}
	return sess, c
}

// mutationSession returns the session and capability for a mutating call,
// answering the request itself when the caller is not signed in.
func (h *Handler) mutationSession(w http.ResponseWriter, r *http.Request) (*engagement.Session, capability.Capability, bool) {
	sess, c := h.capabilityFor(r)
	if sess == nil || !c.CanMutate() {
		h.respondError(w, engagement.ErrAuthRequired)
		return nil, c, false
	}
	return sess, c, true
}

type capabilityResponse struct {
	Status        string `json:"status"`
	Tier          string `json:"tier"`
	Authenticated bool   `json:"authenticated"`
	Subscribed    bool   `json:"subscribed"`
	Admin         bool   `json:"admin"`
}

func (h *Handler) handleCapability(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	state := capability.State{Status: capability.StatusResolved, Capability: capability.Anonymous}
	if sess != nil {
		state = sess.Capability.State()
	}
	c := state.Capability
	httpx.JSON(w, http.StatusOK, capabilityResponse{
		Status:        state.Status.String(),
		Tier:          c.Tier().String(),
		Authenticated: c.Authenticated,
		Subscribed:    c.Subscribed,
		Admin:         c.Admin,
	})
}

type idsResponse struct {
	Items []string `json:"items"`
}

func (h *Handler) handleFavorites(w http.ResponseWriter, r *http.Request) {
	items := []string{}
	if sess := sessionFrom(r.Context()); sess != nil {
		items = sess.Favorites.Members()
	}
	httpx.JSON(w, http.StatusOK, idsResponse{Items: items})
}

func (h *Handler) handleLikes(w http.ResponseWriter, r *http.Request) {
	items := []string{}
	if sess := sessionFrom(r.Context()); sess != nil {
		items = sess.Likes.Members()
	}
	httpx.JSON(w, http.StatusOK, idsResponse{Items: items})
}

type toggleResponse struct {
	ResourceID string `json:"resource_id"`
	Member     bool   `json:"member"`
}

func (h *Handler) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.mutationSession(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "resourceID")
	member, err := sess.Favorites.Toggle(r.Context(), c, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toggleResponse{ResourceID: id, Member: member})
}

func (h *Handler) handleToggleLike(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.mutationSession(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "articleID")
	member, err := sess.Likes.Toggle(r.Context(), c, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toggleResponse{ResourceID: id, Member: member})
}

func (h *Handler) handleLikeCount(w http.ResponseWriter, r *http.Request) {
	var out engagement.LikeCount
	key := invalidation.ResourceKey(invalidation.KindLikeCount, chi.URLParam(r, "articleID"))
	if err := h.fetchCount(r.Context(), key, &out); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleRSVPCounts(w http.ResponseWriter, r *http.Request) {
	var out engagement.RSVPCounts
	key := invalidation.ResourceKey(invalidation.KindRSVPCount, chi.URLParam(r, "eventID"))
	if err := h.fetchCount(r.Context(), key, &out); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

// fetchCount serves a count view from the versioned cache, loading it from
// the record store on a miss.
func (h *Handler) fetchCount(ctx context.Context, key invalidation.Key, dest any) error {
	if h.counts == nil {
		return engagement.ErrTransient
	}
	hit, err := h.cache.FetchJSON(ctx, key, dest, func(ctx context.Context) (interface{}, error) {
		return engagement.LoadCount(ctx, h.counts, key)
	})
	if err != nil {
		if errors.Is(err, engagement.ErrInvalid) {
			return err
		}
		h.logger.Warn("fetch count", slog.String("key", key.String()), slog.Any("error", err))
		return engagement.Classify(err)
	}
	h.metrics.ObserveLookup(key.Kind, hit)
	return nil
}

type listResponse struct {
	engagement.FavoriteList
	Items []string `json:"items"`
}

type listsResponse struct {
	Lists []listResponse `json:"lists"`
}

func (h *Handler) handleLists(w http.ResponseWriter, r *http.Request) {
	out := listsResponse{Lists: []listResponse{}}
	if sess := sessionFrom(r.Context()); sess != nil {
		for _, l := range sess.Lists.Lists() {
			out.Lists = append(out.Lists, listResponse{FavoriteList: l, Items: sess.Lists.Items(l.ID)})
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createListRequest struct {
	Name       string `json:"name" validate:"required,max=120"`
	ResourceID string `json:"resource_id" validate:"omitempty,max=128"`
}

type partialResponse struct {
	List   engagement.FavoriteList `json:"list"`
	Detail string                  `json:"detail"`
}

func (h *Handler) handleCreateList(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.mutationSession(w, r)
	if !ok {
		return
	}
	var req createListRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	var (
		created *engagement.FavoriteList
		err     error
	)
	if req.ResourceID != "" {
		created, err = sess.Lists.CreateListWithItem(r.Context(), c, req.Name, req.ResourceID)
	} else {
		created, err = sess.Lists.CreateList(r.Context(), c, req.Name)
	}
	if errors.Is(err, engagement.ErrPartial) && created != nil {
		httpx.JSON(w, http.StatusMultiStatus, partialResponse{List: *created, Detail: err.Error()})
		return
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, listResponse{FavoriteList: *created, Items: sess.Lists.Items(created.ID)})
}

func (h *Handler) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.mutationSession(w, r)
	if !ok {
		return
	}
	if err := sess.Lists.DeleteList(r.Context(), c, chi.URLParam(r, "listID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listItemResponse struct {
	ListID     string `json:"list_id"`
	ResourceID string `json:"resource_id"`
	InList     bool   `json:"in_list"`
}

func (h *Handler) handleAddToList(w http.ResponseWriter, r *http.Request) {
	h.setListItem(w, r, true)
}

func (h *Handler) handleRemoveFromList(w http.ResponseWriter, r *http.Request) {
	h.setListItem(w, r, false)
}

func (h *Handler) setListItem(w http.ResponseWriter, r *http.Request, want bool) {
	sess, c, ok := h.mutationSession(w, r)
	if !ok {
		return
	}
	listID, resourceID := chi.URLParam(r, "listID"), chi.URLParam(r, "resourceID")
	var (
		in  bool
		err error
	)
	if want {
		in, err = sess.Lists.AddToList(r.Context(), c, listID, resourceID)
	} else {
		in, err = sess.Lists.RemoveFromList(r.Context(), c, listID, resourceID)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listItemResponse{ListID: listID, ResourceID: resourceID, InList: in})
}

func (h *Handler) handleRSVP(w http.ResponseWriter, r *http.Request) {
	view := engagement.RSVPView{Status: engagement.StatusNone}
	if sess := sessionFrom(r.Context()); sess != nil {
		view = sess.RSVPs.View(chi.URLParam(r, "eventID"))
	}
	httpx.JSON(w, http.StatusOK, view)
}

type rsvpRequest struct {
	Status string `json:"status" validate:"required,oneof=going interested"`
}

func (h *Handler) handleSetRSVP(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.mutationSession(w, r)
	if !ok {
		return
	}
	var req rsvpRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	status, err := engagement.ParseStatus(req.Status)
	if err != nil {
		h.respondError(w, err)
		return
	}
	got, err := sess.RSVPs.SetStatus(r.Context(), c, chi.URLParam(r, "eventID"), status)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, engagement.RSVPView{Status: got})
}

func (h *Handler) handleRemoveRSVP(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.mutationSession(w, r)
	if !ok {
		return
	}
	got, err := sess.RSVPs.Remove(r.Context(), c, chi.URLParam(r, "eventID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, engagement.RSVPView{Status: got})
}

func (h *Handler) handleContact(w http.ResponseWriter, r *http.Request) {
	if h.contacts == nil {
		h.respondError(w, engagement.ErrNotFound)
		return
	}
	_, c := h.capabilityFor(r)
	contact, err := h.contacts.Contact(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		if !errors.Is(err, engagement.ErrNotFound) {
			err = engagement.Classify(err)
		}
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, engagement.RevealContact(c, contact))
}

// respondError maps the engagement taxonomy onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engagement.ErrAuthRequired):
		w.Header().Set("Location", SignInPath)
		httpx.Problem(w, http.StatusUnauthorized, "Sign In Required", "sign in to continue")
	case errors.Is(err, engagement.ErrNotAuthorized):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "not permitted")
	case errors.Is(err, engagement.ErrInvalid):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, engagement.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	case errors.Is(err, engagement.ErrDiscarded):
		httpx.Problem(w, http.StatusConflict, "Session Changed", "the session was reset; reload and retry")
	default:
		h.logger.Warn("engagement request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", "try again shortly")
	}
}

func limitKey(r *http.Request) (string, error) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		if user := strings.TrimSpace(sess.User()); user != "" {
			return "user:" + user, nil
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr, nil
	}
	return "ip:" + host, nil
}
