package await

import (
	"sync"
	"time"

	"github.com/xraph/cascade/run"
)

type timerKind uint8

const (
	timerFire timerKind = iota
	timerTimeout
)

type timerKey struct {
	runID string
	key   run.AwaitKey
	kind  timerKind
}

// timers is the local registry of armed await timers.
type timers struct {
	mu sync.Mutex
	m  map[timerKey]*time.Timer
}

func newTimers() *timers {
	return &timers{m: make(map[timerKey]*time.Timer)}
}

// arm replaces any timer at k with one that calls fn after d.
func (t *timers) arm(k timerKey, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.m[k]; ok {
		old.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.m[k] == tm {
			delete(t.m, k)
		}
		t.mu.Unlock()
		fn()
	})
	t.m[k] = tm
}

// stop cancels both timers of one await.
func (t *timers) stop(runID string, key run.AwaitKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, kind := range []timerKind{timerFire, timerTimeout} {
		k := timerKey{runID: runID, key: key, kind: kind}
		if tm, ok := t.m[k]; ok {
			tm.Stop()
			delete(t.m, k)
		}
	}
}

func (t *timers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, tm := range t.m {
		tm.Stop()
		delete(t.m, k)
	}
}

func (t *timers) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
