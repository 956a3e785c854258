package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/process"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func run(start time.Time, d time.Duration, minUptime time.Duration) process.RunRecord {
	end := start.Add(d)
	code := 1
	return process.RunRecord{Start: start, End: &end, ExitCode: &code, ReachedMinUptime: d >= minUptime}
}

func baseSpec() process.Spec {
	return process.Spec{
		Name:         "app",
		Executable:   "app",
		AutoRestart:  true,
		RestartDelay: 3 * time.Second,
		MaxRestarts:  10,
		MinUptime:    30 * time.Second,
	}
}

func TestDecide_StoppingWins(t *testing.T) {
	p := New()
	d := p.Decide(baseSpec(), []process.RunRecord{run(t0, time.Hour, time.Second)}, true)
	assert.Equal(t, Stop, d.Action)
	assert.Equal(t, 0, p.Failures())
}

func TestDecide_CrashLoopGivesUpAfterBudget(t *testing.T) {
	spec := baseSpec()
	p := New()
	var hist []process.RunRecord
	at := t0
	for i := 1; i <= 10; i++ {
		hist = append(hist, run(at, 10*time.Millisecond, spec.MinUptime))
		d := p.Decide(spec, hist, false)
		require.Equal(t, Restart, d.Action, "failure %d", i)
		require.Equal(t, 3*time.Second, d.Delay)
		require.Equal(t, i, p.Failures())
		at = at.Add(4 * time.Second)
	}
	hist = append(hist, run(at, 10*time.Millisecond, spec.MinUptime))
	assert.Equal(t, GiveUp, p.Decide(spec, hist, false).Action)
}

func TestDecide_StableRunResetsCounter(t *testing.T) {
	spec := baseSpec()
	p := New()
	hist := []process.RunRecord{run(t0, time.Second, spec.MinUptime)}
	p.Decide(spec, hist, false)
	p.Decide(spec, hist, false)
	require.Equal(t, 2, p.Failures())

	hist = append(hist, run(t0.Add(time.Minute), 35*time.Second, spec.MinUptime))
	d := p.Decide(spec, hist, false)
	assert.Equal(t, Restart, d.Action)
	assert.Equal(t, 3*time.Second, d.Delay)
	assert.Equal(t, 0, p.Failures())
}

func TestDecide_AutoRestartDisabled(t *testing.T) {
	spec := baseSpec()
	spec.AutoRestart = false
	p := New()
	d := p.Decide(spec, []process.RunRecord{run(t0, time.Minute, spec.MinUptime)}, false)
	assert.Equal(t, Stop, d.Action)

	spec.MaxRestarts = 0
	d = p.Decide(spec, []process.RunRecord{run(t0, time.Second, spec.MinUptime)}, false)
	assert.Equal(t, GiveUp, d.Action)
}

func TestDecide_ExponentialBackoff(t *testing.T) {
	spec := baseSpec()
	spec.ExpBackoffDelay = 100 * time.Millisecond
	spec.MaxRestarts = 100
	p := New()
	hist := []process.RunRecord{run(t0, 0, spec.MinUptime)}
	want := []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 225 * time.Millisecond}
	for _, w := range want {
		assert.Equal(t, w, p.Decide(spec, hist, false).Delay)
	}
	for i := 0; i < 20; i++ {
		p.Decide(spec, hist, false)
	}
	assert.Equal(t, MaxExpBackoff, p.Decide(spec, hist, false).Delay)
}

func TestDecide_HourlyCap(t *testing.T) {
	spec := baseSpec()
	spec.MinUptime = time.Second
	spec.MaxRestartsPerHour = 2
	p := New()
	at := t0
	next := func() Decision {
		at = at.Add(10 * time.Minute)
		return p.Decide(spec, []process.RunRecord{run(at, 5*time.Minute, spec.MinUptime)}, false)
	}
	assert.Equal(t, Restart, next().Action)
	assert.Equal(t, Restart, next().Action)
	assert.Equal(t, GiveUp, next().Action)

	// older restarts leave the window
	p.Reset()
	at = at.Add(2 * time.Hour)
	assert.Equal(t, Restart, next().Action)
}

func TestReset(t *testing.T) {
	spec := baseSpec()
	p := New()
	p.Decide(spec, []process.RunRecord{run(t0, 0, spec.MinUptime)}, false)
	p.Reset()
	assert.Equal(t, 0, p.Failures())
}

func TestRecycle_BoundedPerHour(t *testing.T) {
	spec := baseSpec()
	spec.MaxRestartsPerHour = 2
	p := New()
	p.Decide(spec, []process.RunRecord{run(t0, 0, spec.MinUptime)}, false)
	require.Equal(t, 1, p.Failures())

	d := p.Recycle(spec, t0.Add(time.Minute))
	assert.Equal(t, Restart, d.Action)
	assert.Equal(t, time.Duration(0), d.Delay)
	// the crash restart above already used one slot
	assert.Equal(t, GiveUp, p.Recycle(spec, t0.Add(2*time.Minute)).Action)
	assert.Equal(t, 1, p.Failures(), "recycles never count as failures")

	assert.Equal(t, Restart, p.Recycle(spec, t0.Add(2*time.Hour)).Action)
}

func TestRecycle_FallsBackToMaxRestarts(t *testing.T) {
	spec := baseSpec()
	spec.MaxRestarts = 3
	p := New()
	for i := 1; i <= 3; i++ {
		require.Equal(t, Restart, p.Recycle(spec, t0.Add(time.Duration(i)*time.Minute)).Action)
	}
	assert.Equal(t, GiveUp, p.Recycle(spec, t0.Add(4*time.Minute)).Action)

	spec.MaxRestarts = 0
	assert.Equal(t, GiveUp, New().Recycle(spec, t0).Action)
}
