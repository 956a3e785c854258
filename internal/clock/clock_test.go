package clock

import (
	"testing"
	"time"
)

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tm := f.NewTimer(3 * time.Second)

	f.Advance(2999 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatalf("timer fired early")
	default:
	}

	f.Advance(time.Millisecond)
	select {
	case at := <-tm.C():
		if !at.Equal(time.Unix(3, 0)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatalf("timer did not fire at its deadline")
	}
	if f.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", f.Pending())
	}
}

func TestFakeTimerStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tm := f.NewTimer(time.Second)
	if !tm.Stop() {
		t.Fatalf("Stop on armed timer should report true")
	}
	f.Advance(time.Minute)
	select {
	case <-tm.C():
		t.Fatalf("stopped timer fired")
	default:
	}
	if tm.Stop() {
		t.Fatalf("second Stop should report false")
	}
}

func TestNonPositiveDurationFiresImmediately(t *testing.T) {
	for _, c := range []Clock{Real{}, NewFake(time.Now())} {
		tm := c.NewTimer(-time.Second)
		select {
		case <-tm.C():
		case <-time.After(time.Second):
			t.Fatalf("%T: non-positive timer did not fire", c)
		}
	}
}
