// Package tick implements the single cooperative 60 TPS scheduler that
// drives every per-tick callback in the server: inbound queue draining,
// cadence events, and windowed TPS reporting.
package tick

import (
	"context"
	"time"
)

// cadences lists the interval/name pairs the scheduler fires on a modulo
// basis against the tick counter, mirroring the original's
// _useful_ticks table.
var cadences = []struct {
	seconds float64
	name    string
}{
	{0.5, "serverTick_0.5s"},
	{1, "serverTick_1s"},
	{2, "serverTick_2s"},
	{3, "serverTick_3s"},
	{4, "serverTick_4s"},
	{5, "serverTick_5s"},
	{10, "serverTick_10s"},
	{30, "serverTick_30s"},
	{60, "serverTick_60s"},
}

// Scheduler runs one callback per tick at targetTPS, compensating sleep
// time for measured overshoot, and fires named cadence callbacks at the
// fixed intervals listed in cadences (0.5s up to 60s).
type Scheduler struct {
	targetTPS int
	onTick    func(tickCounter int)
	onCadence func(name string)

	overshoot []time.Duration // ring of the last 3*targetTPS overshoot samples
	window2s  *tpsWindow
	window5s  *tpsWindow
	window30s *tpsWindow
	window60s *tpsWindow
}

// New builds a Scheduler targeting targetTPS ticks per second. onTick runs
// every tick; onCadence runs once per cadence name whenever the tick
// counter crosses that cadence's interval.
func New(targetTPS int, onTick func(tickCounter int), onCadence func(name string)) *Scheduler {
	return &Scheduler{
		targetTPS: targetTPS,
		onTick:    onTick,
		onCadence: onCadence,
		window2s:  newTPSWindow(2 * time.Second),
		window5s:  newTPSWindow(5 * time.Second),
		window30s: newTPSWindow(30 * time.Second),
		window60s: newTPSWindow(60 * time.Second),
	}
}

// Run drives the tick loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	targetInterval := time.Second / time.Duration(s.targetTPS)
	resetAt := 60 * s.targetTPS
	maxSamples := 3 * s.targetTPS

	counter := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		s.onTick(counter)

		now := time.Now()
		s.window2s.record(now)
		s.window5s.record(now)
		s.window30s.record(now)
		s.window60s.record(now)

		for _, c := range cadences {
			interval := int(c.seconds * float64(s.targetTPS))
			if interval > 0 && counter%interval == 0 {
				s.onCadence(c.name)
			}
		}

		counter++
		if counter >= resetAt {
			counter = 0
		}

		tickDuration := time.Since(start)
		sleepFor := targetInterval - tickDuration - s.meanOvershoot()

		if sleepFor > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleepFor):
			}
		}

		s.overshoot = append(s.overshoot, time.Since(start)-targetInterval)
		if len(s.overshoot) > maxSamples {
			s.overshoot = s.overshoot[len(s.overshoot)-maxSamples:]
		}
	}
}

func (s *Scheduler) meanOvershoot() time.Duration {
	if len(s.overshoot) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s.overshoot {
		sum += d
	}
	return sum / time.Duration(len(s.overshoot))
}

// TPS returns the measured ticks-per-second over each of the four
// windows, in the order 2s, 5s, 30s, 60s.
func (s *Scheduler) TPS() (tps2s, tps5s, tps30s, tps60s float64) {
	return s.window2s.tps(), s.window5s.tps(), s.window30s.tps(), s.window60s.tps()
}

// tpsWindow tracks tick timestamps within a trailing duration to compute
// an observed ticks-per-second rate.
type tpsWindow struct {
	span  time.Duration
	times []time.Time
}

func newTPSWindow(span time.Duration) *tpsWindow {
	return &tpsWindow{span: span}
}

func (w *tpsWindow) record(now time.Time) {
	w.times = append(w.times, now)
	cut := 0
	for cut < len(w.times) && now.Sub(w.times[cut]) > w.span {
		cut++
	}
	w.times = w.times[cut:]
}

func (w *tpsWindow) tps() float64 {
	if len(w.times) < 2 {
		return 0
	}
	elapsed := w.times[len(w.times)-1].Sub(w.times[0]).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(len(w.times)-1) / elapsed
}
