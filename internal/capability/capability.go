package capability

// Capability describes what the current user may see and do.
type Capability struct {
	Authenticated bool `json:"authenticated"`
	Subscribed    bool `json:"subscribed"`
	Admin         bool `json:"admin"`
}

// Anonymous is the fully unprivileged capability set.
var Anonymous = Capability{}

// New builds a normalised capability. Admins and subscribers are always authenticated.
func New(authenticated, subscribed, admin bool) Capability {
	if admin || subscribed {
		authenticated = true
	}
	return Capability{Authenticated: authenticated, Subscribed: subscribed, Admin: admin}
}

// Tier is the closed set of privilege levels used at gating boundaries.
type Tier int

const (
	TierAnonymous Tier = iota
	TierMember
	TierSubscriber
	TierAdmin
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierAnonymous:
		return "anonymous"
	case TierMember:
		return "member"
	case TierSubscriber:
		return "subscriber"
	case TierAdmin:
		return "admin"
	}
	return "unknown"
}

// Tier collapses the flags into the highest applicable tier.
func (c Capability) Tier() Tier {
	switch {
	case c.Admin:
		return TierAdmin
	case c.Subscribed:
		return TierSubscriber
	case c.Authenticated:
		return TierMember
	default:
		return TierAnonymous
	}
}

// CanViewContact reports whether raw contact details may be released.
func (c Capability) CanViewContact() bool {
	switch c.Tier() {
	case TierSubscriber, TierAdmin:
		return true
	case TierAnonymous, TierMember:
		return false
	}
	return false
}

// CanMutate reports whether engagement records may be written.
func (c Capability) CanMutate() bool {
	switch c.Tier() {
	case TierMember, TierSubscriber, TierAdmin:
		return true
	case TierAnonymous:
		return false
	}
	return false
}
