package engagement

// MutationPhase tracks where an optimistic change is in its lifecycle.
type MutationPhase int

const (
	PhasePrepared MutationPhase = iota
	PhaseApplied
	PhaseCommitted
	PhaseRolledBack
)

// String returns the phase name.
func (p MutationPhase) String() string {
	switch p {
	case PhasePrepared:
		return "prepared"
	case PhaseApplied:
		return "applied"
	case PhaseCommitted:
		return "committed"
	case PhaseRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Mutation is the record of one optimistic change. Previous is captured
// before the change is attempted and is what Rollback restores.
type Mutation[T any] struct {
	Key      string
	Previous T
	Next     T

	set   func(T)
	phase MutationPhase
}

func newMutation[T any](key string, previous, next T, set func(T)) *Mutation[T] {
	return &Mutation[T]{Key: key, Previous: previous, Next: next, set: set}
}

// Phase reports the current lifecycle phase.
func (m *Mutation[T]) Phase() MutationPhase {
	return m.phase
}

// Apply writes Next to local state.
func (m *Mutation[T]) Apply() {
	if m.phase != PhasePrepared {
		return
	}
	m.set(m.Next)
	m.phase = PhaseApplied
}

// Commit settles local state on final, the value confirmed by the server.
func (m *Mutation[T]) Commit(final T) {
	if m.phase != PhaseApplied {
		return
	}
	m.set(final)
	m.phase = PhaseCommitted
}

// Rollback restores Previous.
func (m *Mutation[T]) Rollback() {
	if m.phase != PhaseApplied {
		return
	}
	m.set(m.Previous)
	m.phase = PhaseRolledBack
}
