package engagement

import "sync"

// writeLog stamps local writes per key while at least one snapshot load is
// open, so a load that settles late can tell which keys changed after its
// server read.
type writeLog struct {
	mu     sync.Mutex
	seq    uint64
	open   int
	stamps map[string]uint64
}

// begin opens a load and returns the mark its writes are compared against.
func (l *writeLog) begin() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open++
	return l.seq
}

func (l *writeLog) end() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open--
	if l.open == 0 {
		l.stamps = nil
	}
}

func (l *writeLog) touch(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == 0 {
		return
	}
	l.seq++
	if l.stamps == nil {
		l.stamps = make(map[string]uint64)
	}
	l.stamps[key] = l.seq
}

// since reports whether key was written after mark.
func (l *writeLog) since(key string, mark uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stamps[key] > mark
}

// overlay carries the local value of every key accepted by keep into next,
// including local absence.
func overlay[V any](next, local map[string]V, keep func(string) bool) {
	for k, v := range local {
		if keep(k) {
			next[k] = v
		}
	}
	for k := range next {
		if _, ok := local[k]; !ok && keep(k) {
			delete(next, k)
		}
	}
}
