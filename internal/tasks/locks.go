package tasks

import (
	"sort"
	"sync"
)

// lockSet hands out per-task mutexes. Callers take every lock they need in one
// call; ids are sorted so overlapping sets cannot deadlock.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*taskLock)}
}

func (l *lockSet) lock(ids ...string) (unlock func()) {
	keys := uniqueSorted(ids)
	held := make([]*taskLock, 0, len(keys))

	l.mu.Lock()
	for _, k := range keys {
		tl := l.locks[k]
		if tl == nil {
			tl = &taskLock{}
			l.locks[k] = tl
		}
		tl.refs++
		held = append(held, tl)
	}
	l.mu.Unlock()

	for _, tl := range held {
		tl.mu.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, k := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, k)
			}
		}
		l.mu.Unlock()
	}
}

func (l *lockSet) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// dedupe keeps the first occurrence of every id and drops blanks.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
