package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired: got %d want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
	if got := c.Now(); !got.Equal(epoch.Add(time.Hour + time.Second)) {
		t.Errorf("unexpected now: %v", got)
	}
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Error("first Stop should report the timer was active")
	}
	if tm.Stop() {
		t.Error("second Stop should be a no-op")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("pending timers: got %d want 0", n)
	}
}

// a callback that resets its own timer behaves like a ticker
func TestFakeResetFromCallback(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	var tm Timer
	tm = c.AfterFunc(time.Second, func() {
		fired++
		tm.Reset(time.Second)
	})

	c.Advance(time.Second)
	c.Advance(time.Second)
	c.Advance(time.Second)
	if fired != 3 {
		t.Errorf("fired: got %d want 3", fired)
	}
	if n := c.Pending(); n != 1 {
		t.Errorf("pending timers: got %d want 1", n)
	}
}
