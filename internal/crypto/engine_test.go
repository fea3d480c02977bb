package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// stepClock advances by step on every read.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

type recordingSink struct {
	states []ProgressState
	max    []int
	ticks  []int
}

func (r *recordingSink) State(s ProgressState) { r.states = append(r.states, s) }
func (r *recordingSink) Max(v int)             { r.max = append(r.max, v) }
func (r *recordingSink) Progress(v int)        { r.ticks = append(r.ticks, v) }

func TestDeriveIterationsDeterministic(t *testing.T) {
	e := NewEngine()
	salt := bytes.Repeat([]byte{0x42}, SaltSize)
	a, err := e.DeriveIterations([]byte("hunter2"), salt, 1, 3, nil)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	defer a.Wipe()
	b, err := e.DeriveIterations([]byte("hunter2"), salt, 1, 3, nil)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	defer b.Wipe()
	if !a.Equal(b) {
		t.Fatal("same inputs must derive the same key")
	}
	c, err := e.DeriveIterations([]byte("hunter2"), salt, 1, 4, nil)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	defer c.Wipe()
	if a.Equal(c) {
		t.Fatal("iteration count must change the key")
	}
}

func TestDeriveTimedReplaysWithIterations(t *testing.T) {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0), step: 300 * time.Millisecond}
	e := NewEngineWithClock(clock.Now)
	salt := bytes.Repeat([]byte{0x07}, SaltSize)
	sink := &recordingSink{}

	timed, iterations, err := e.DeriveTimed([]byte("pw"), salt, 1, time.Second, sink)
	if err != nil {
		t.Fatalf("timed derive failed: %v", err)
	}
	defer timed.Wipe()
	// start read, then one read per iteration: 300, 600, 900, 1200ms.
	if iterations != 4 {
		t.Fatalf("expected 4 iterations, got %d", iterations)
	}

	replayed, err := e.DeriveIterations([]byte("pw"), salt, 1, iterations, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	defer replayed.Wipe()
	if !timed.Equal(replayed) {
		t.Fatal("iteration replay must reproduce the timed key")
	}

	if len(sink.max) != 1 || sink.max[0] != timedProgressMax {
		t.Fatalf("unexpected max calls: %v", sink.max)
	}
	for i := 1; i < len(sink.ticks); i++ {
		if sink.ticks[i] <= sink.ticks[i-1] {
			t.Fatalf("progress must increase: %v", sink.ticks)
		}
	}
	if sink.ticks[len(sink.ticks)-1] != timedProgressMax {
		t.Fatalf("progress must finish at max: %v", sink.ticks)
	}
}

func TestDeriveTimedRunsAtLeastOnce(t *testing.T) {
	e := NewEngineWithClock((&stepClock{step: time.Hour}).Now)
	key, iterations, err := e.DeriveTimed([]byte("pw"), make([]byte, SaltSize), 1, 0, nil)
	if err != nil {
		t.Fatalf("timed derive failed: %v", err)
	}
	defer key.Wipe()
	if iterations != 1 {
		t.Fatalf("expected a single iteration, got %d", iterations)
	}
}

func TestDeriveIterationsProgress(t *testing.T) {
	sink := &recordingSink{}
	key, err := NewEngine().DeriveIterations([]byte("pw"), make([]byte, SaltSize), 1, 3, sink)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	key.Wipe()
	if len(sink.max) != 1 || sink.max[0] != 3 {
		t.Fatalf("unexpected max: %v", sink.max)
	}
	if len(sink.ticks) != 3 || sink.ticks[2] != 3 {
		t.Fatalf("unexpected ticks: %v", sink.ticks)
	}
}

func TestDeriveRejectsBadCost(t *testing.T) {
	e := NewEngine()
	if _, err := e.DeriveIterations([]byte("pw"), nil, 0, 1, nil); !errors.Is(err, ErrInvalidCost) {
		t.Fatalf("expected ErrInvalidCost for logN 0, got %v", err)
	}
	if _, err := e.DeriveIterations([]byte("pw"), nil, 1, 0, nil); !errors.Is(err, ErrInvalidCost) {
		t.Fatalf("expected ErrInvalidCost for zero iterations, got %v", err)
	}
	if _, _, err := e.DeriveTimed([]byte("pw"), nil, MaxLogN+1, time.Second, nil); !errors.Is(err, ErrInvalidCost) {
		t.Fatalf("expected ErrInvalidCost for large logN, got %v", err)
	}
}
