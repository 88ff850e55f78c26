package capability

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entitlements is the stored account state capability is derived from.
type Entitlements struct {
	Admin      bool
	Subscribed bool
}

// Lookup reads role and subscription records for a user.
type Lookup interface {
	Entitlements(ctx context.Context, userID string) (Entitlements, error)
}

// Resolver derives capability sets from the session user and stored records.
type Resolver struct {
	lookup  Lookup
	logger  *slog.Logger
	timeout time.Duration
	group   singleflight.Group
}

// NewResolver constructs a Resolver. A zero timeout disables the lookup deadline.
func NewResolver(lookup Lookup, logger *slog.Logger, timeout time.Duration) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{lookup: lookup, logger: logger, timeout: timeout}
}

// Resolve returns the capability for userID. Lookup failures degrade to Anonymous.
func (r *Resolver) Resolve(ctx context.Context, userID string) Capability {
	c, _ := r.ResolveChecked(ctx, userID)
	return c
}

// ResolveChecked is Resolve that also reports the lookup error behind a
// degraded Anonymous result.
func (r *Resolver) ResolveChecked(ctx context.Context, userID string) (Capability, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Anonymous, nil
	}
	// Callers join a shared lookup, so it must not end with whichever caller started it.
	lookupCtx := context.WithoutCancel(ctx)
	value, err, _ := r.group.Do(userID, func() (interface{}, error) {
		return r.lookupCapability(lookupCtx, userID)
	})
	if err != nil {
		r.logger.Warn("capability resolve failed", slog.String("user_id", userID), slog.Any("error", err))
		return Anonymous, err
	}
	return value.(Capability), nil
}

func (r *Resolver) lookupCapability(ctx context.Context, userID string) (Capability, error) {
	if r.lookup == nil {
		return Capability{}, errors.New("capability: lookup not configured")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ent, err := r.lookup.Entitlements(ctx, userID)
	if err != nil {
		return Capability{}, err
	}
	return New(true, ent.Subscribed, ent.Admin), nil
}
