package invalidation

import (
	"errors"
	"strings"
)

// Kind names a family of read-views.
type Kind string

const (
	KindFavorites Kind = "favorites"
	KindLikes     Kind = "likes"
	KindLists     Kind = "lists"
	KindListItems Kind = "list_items"
	KindRSVPs     Kind = "rsvps"
	KindLikeCount Kind = "like_count"
	KindRSVPCount Kind = "rsvp_count"
	KindDetail    Kind = "detail"
)

const keyPrefix = "view"

// IsCount reports whether the kind is an aggregate count.
func (k Kind) IsCount() bool {
	return k == KindLikeCount || k == KindRSVPCount
}

// Key identifies one read-view by kind and scoping parameters.
type Key struct {
	Kind  Kind
	Scope []string
}

// UserKey scopes a view to one user.
func UserKey(kind Kind, userID string) Key {
	return Key{Kind: kind, Scope: []string{userID}}
}

// ResourceKey scopes a view to one resource.
func ResourceKey(kind Kind, resourceID string) Key {
	return Key{Kind: kind, Scope: []string{resourceID}}
}

// String renders the stable identifier, e.g. "view:like_count:article-9".
func (k Key) String() string {
	parts := make([]string, 0, len(k.Scope)+2)
	parts = append(parts, keyPrefix, string(k.Kind))
	parts = append(parts, k.Scope...)
	return strings.Join(parts, ":")
}

// ParseKey reverses Key.String.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || parts[0] != keyPrefix || parts[1] == "" {
		return Key{}, errors.New("invalidation: malformed key")
	}
	key := Key{Kind: Kind(parts[1])}
	if len(parts) > 2 {
		key.Scope = parts[2:]
	}
	return key, nil
}

// FirstScope returns the first scoping parameter or the empty string.
func (k Key) FirstScope() string {
	if len(k.Scope) == 0 {
		return ""
	}
	return k.Scope[0]
}
