package engagement

import (
	"strings"
	"sync"
	"unicode"
)

const maxIDLength = 128

// lifecycle is shared by the stores of one session. Reset bumps the
// generation; mutations started under an older generation settle nowhere.
type lifecycle struct {
	mu     sync.RWMutex
	gen    uint64
	closed bool
}

func (l *lifecycle) generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// settle runs fn only if gen is still current, holding off resets meanwhile.
func (l *lifecycle) settle(gen uint64, fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || l.gen != gen {
		return false
	}
	fn()
	return true
}

// advance starts a new generation and runs clear while no mutation can settle.
func (l *lifecycle) advance(clear func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	clear()
}

func (l *lifecycle) close(clear func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.closed = true
	clear()
}

func (l *lifecycle) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// validateID rejects ids that could not name a stored record or would
// collide with view key separators.
func validateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrInvalid
	}
	if strings.ContainsRune(id, ':') {
		return ErrInvalid
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalid
		}
	}
	return nil
}
