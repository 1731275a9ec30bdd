package tasks

import (
	"strings"
	"sync"
)

const feedBuffer = 256

type feedSub struct {
	taskID string
	ch     chan Activity
}

// feed fans committed activity out to live subscribers. Slow subscribers drop
// records instead of blocking writers.
type feed struct {
	mu     sync.Mutex
	subs   map[int]feedSub
	nextID int
}

func newFeed() *feed {
	return &feed{subs: make(map[int]feedSub)}
}

func (f *feed) subscribe(taskID string) (<-chan Activity, func()) {
	ch := make(chan Activity, feedBuffer)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = feedSub{taskID: strings.TrimSpace(taskID), ch: ch}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if s, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(s.ch)
			}
		})
	}
}

func (f *feed) publish(records []Activity) (dropped int) {
	if len(records) == 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		for _, r := range records {
			if s.taskID != "" && s.taskID != r.TaskID {
				continue
			}
			select {
			case s.ch <- r:
			default:
				dropped++
			}
		}
	}
	return dropped
}

func (f *feed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
