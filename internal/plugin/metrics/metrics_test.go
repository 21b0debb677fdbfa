package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRecord(t *testing.T) {
	r := NewRecorder()

	r.Record("a", OpLoad, 40*time.Millisecond, nil)
	r.Record("a", "translate", 10*time.Millisecond, nil)
	r.Record("a", "translate", 30*time.Millisecond, errors.New("boom"))

	s := r.Snapshot("a")
	if s.LoadTime != 40*time.Millisecond {
		t.Errorf("LoadTime = %v, want 40ms", s.LoadTime)
	}
	if s.Operations != 3 {
		t.Errorf("Operations = %d, want 3", s.Operations)
	}
	if s.Errors != 1 {
		t.Errorf("Errors = %d, want 1", s.Errors)
	}
	if s.ErrorRate < 0.333 || s.ErrorRate > 0.334 {
		t.Errorf("ErrorRate = %v, want 1/3", s.ErrorRate)
	}
	if s.AvgOperation != 80*time.Millisecond/3 {
		t.Errorf("AvgOperation = %v, want %v", s.AvgOperation, 80*time.Millisecond/3)
	}
	if s.MinOperation != 10*time.Millisecond {
		t.Errorf("MinOperation = %v, want 10ms", s.MinOperation)
	}
	if s.MaxOperation != 40*time.Millisecond {
		t.Errorf("MaxOperation = %v, want 40ms", s.MaxOperation)
	}
	if s.LastError != "boom" || s.LastErrorOp != "translate" {
		t.Errorf("LastError = %q (%q), want boom (translate)", s.LastError, s.LastErrorOp)
	}
}

func TestStartUsesClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRecorder(WithClock(clock.Now))

	done := r.Start("a", OpEnable)
	clock.Advance(250 * time.Millisecond)
	done(nil)

	if got := r.Snapshot("a").LoadTime; got != 250*time.Millisecond {
		t.Errorf("LoadTime = %v, want 250ms", got)
	}

	done = r.Start("a", "invoke")
	clock.Advance(time.Second)
	done(errors.New("failed"))

	s := r.Snapshot("a")
	if !s.LastErrorAt.Equal(time.Unix(1001, 250_000_000)) {
		t.Errorf("LastErrorAt = %v", s.LastErrorAt)
	}
}

func TestUnknownPlugin(t *testing.T) {
	s := NewRecorder().Snapshot("missing")
	if s.PluginID != "missing" || s.Operations != 0 || s.MinOperation != 0 {
		t.Errorf("Snapshot(missing) = %+v, want zero", s)
	}
}

func TestAllSortedAndRemove(t *testing.T) {
	r := NewRecorder()
	r.Record("b", "x", time.Millisecond, nil)
	r.Record("a", "x", time.Millisecond, nil)
	r.Record("c", "x", time.Millisecond, nil)

	r.Remove("c")
	all := r.All()
	if len(all) != 2 || all[0].PluginID != "a" || all[1].PluginID != "b" {
		t.Errorf("All() = %+v, want a, b", all)
	}

	r.Reset()
	if got := len(r.All()); got != 0 {
		t.Errorf("len(All()) after Reset = %d, want 0", got)
	}
}

func TestConcurrentRecord(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Record("a", "op", time.Duration(i*100+j+1), nil)
			}
		}(i)
	}
	wg.Wait()

	s := r.Snapshot("a")
	if s.Operations != 800 {
		t.Errorf("Operations = %d, want 800", s.Operations)
	}
	if s.MinOperation != 1 || s.MaxOperation != 800 {
		t.Errorf("Min/Max = %v/%v, want 1ns/800ns", s.MinOperation, s.MaxOperation)
	}
}

func TestMemoryPercent(t *testing.T) {
	if got := (Snapshot{MemoryBytes: 32, MemoryLimit: 64}).MemoryPercent(); got != 50 {
		t.Errorf("MemoryPercent = %v, want 50", got)
	}
	if got := (Snapshot{MemoryBytes: 32}).MemoryPercent(); got != 0 {
		t.Errorf("MemoryPercent without limit = %v, want 0", got)
	}
}
