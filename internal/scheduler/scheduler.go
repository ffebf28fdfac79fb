// Package scheduler drives periodic refresh cycles for a set of listeners.
//
// All state lives on one goroutine. Public methods send a command to it and
// wait until the command has been applied, so a method returning means its
// effect is visible to the next call. At most one cycle runs at a time: a
// trigger arriving while a cycle is in flight is dropped and counted.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Preset names one of the configured refresh intervals.
type Preset int

const (
	Default Preset = iota
	Fast
	Slow
)

func (p Preset) String() string {
	switch p {
	case Fast:
		return "fast"
	case Slow:
		return "slow"
	default:
		return "default"
	}
}

// ParsePreset converts a preset name from config or the command line.
func ParsePreset(s string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return Default, nil
	case "fast":
		return Fast, nil
	case "slow":
		return Slow, nil
	}
	return Default, fmt.Errorf("unknown refresh preset %q (want fast, default or slow)", s)
}

// State is the scheduler's lifecycle state.
type State int

const (
	Idle State = iota
	Scheduled
	Refreshing
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Refreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

// Listener observes refresh cycles. Callbacks run on the scheduler
// goroutine: they must return quickly and must not call back into the
// Scheduler. Listeners are compared with ==, so use pointer types.
type Listener interface {
	// OnRefreshRequested is called when RefreshNow starts a cycle.
	OnRefreshRequested()
	OnRefreshStarted()
	OnRefreshCompleted(ok bool)
}

// Puller performs one refresh cycle. It must call done exactly once, from
// any goroutine; later calls are ignored. ctx is cancelled when the
// scheduler closes.
type Puller func(ctx context.Context, done func(error))

const (
	DefaultFastInterval    = 10 * time.Second
	DefaultDefaultInterval = 30 * time.Second
	DefaultSlowInterval    = 60 * time.Second
	DefaultMaxBackoff      = 10 * time.Minute
)

// Options configures a Scheduler. Zero durations take the defaults above.
type Options struct {
	Fast       time.Duration
	Default    time.Duration
	Slow       time.Duration
	MaxBackoff time.Duration
	Preset     Preset

	Logger logrus.FieldLogger
	// OnCycle and OnSkipped observe cycles, e.g. for metrics.
	OnCycle   func(ok bool, elapsed time.Duration)
	OnSkipped func()
}

func (o *Options) setDefaults() {
	if o.Fast <= 0 {
		o.Fast = DefaultFastInterval
	}
	if o.Default <= 0 {
		o.Default = DefaultDefaultInterval
	}
	if o.Slow <= 0 {
		o.Slow = DefaultSlowInterval
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

func (o *Options) interval(p Preset) time.Duration {
	switch p {
	case Fast:
		return o.Fast
	case Slow:
		return o.Slow
	default:
		return o.Default
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	State               State
	Paused              bool
	Preset              Preset
	Boosted             bool
	Listeners           int
	Cycles              int
	Failed              int
	Skipped             int
	ConsecutiveFailures int
	// NextRun is zero unless a timer is armed.
	NextRun time.Time
}

type completion struct {
	id  int
	err error
}

// Scheduler is a refresh state machine. Create it with New and release it
// with Close.
type Scheduler struct {
	pull Puller
	opts Options
	log  logrus.FieldLogger

	cmdCh     chan func(*loop)
	doneCh    chan completion
	stopCh    chan struct{}
	stoppedCh chan struct{}
	closeOnce sync.Once
}

// New starts a scheduler in the Idle state.
func New(pull Puller, opts Options) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{
		pull:      pull,
		opts:      opts,
		log:       opts.Logger.WithField("pkg", "scheduler"),
		cmdCh:     make(chan func(*loop)),
		doneCh:    make(chan completion),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// exec runs fn on the scheduler goroutine and waits for it. It reports
// false if the scheduler is closed.
func (s *Scheduler) exec(fn func(*loop)) bool {
	applied := make(chan struct{})
	select {
	case s.cmdCh <- func(l *loop) { fn(l); close(applied) }:
		<-applied
		return true
	case <-s.stoppedCh:
		return false
	}
}

// Register adds a listener. The first listener arms the timer. Registering
// the same listener twice has no effect.
func (s *Scheduler) Register(l Listener) {
	s.exec(func(lp *loop) { lp.register(l) })
}

// Unregister removes a listener. Removing the last one disarms the timer;
// a cycle already running still completes.
func (s *Scheduler) Unregister(l Listener) {
	s.exec(func(lp *loop) { lp.unregister(l) })
}

// RefreshNow starts a cycle immediately unless one is running.
func (s *Scheduler) RefreshNow() {
	s.exec(func(lp *loop) { lp.fire(true) })
}

// SetInterval switches the interval preset. A pending timer is re-armed
// with the new interval; a running cycle uses it when it re-arms. It ends
// any boost.
func (s *Scheduler) SetInterval(p Preset) {
	s.exec(func(lp *loop) { lp.setPreset(p) })
}

// Boost switches to the fast preset for window, then restores the
// previous preset. Boosting again while boosted extends the window.
func (s *Scheduler) Boost(window time.Duration) {
	s.exec(func(lp *loop) { lp.boost(window) })
}

// Pause stops timer-driven cycles until Resume. RefreshNow still works.
func (s *Scheduler) Pause() {
	s.exec(func(lp *loop) { lp.pause() })
}

// Resume re-arms the timer if there are listeners.
func (s *Scheduler) Resume() {
	s.exec(func(lp *loop) { lp.resume() })
}

// Status returns a snapshot. After Close it returns the zero Status.
func (s *Scheduler) Status() Status {
	var st Status
	s.exec(func(lp *loop) { st = lp.status() })
	return st
}

// Close stops the scheduler and cancels a running cycle. It is safe to
// call more than once.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
	<-s.stoppedCh
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{s: s, ctx: ctx, preset: s.opts.Preset}
	defer func() {
		l.disarm()
		l.stopBoost()
		cancel()
		close(s.stoppedCh)
	}()

	for {
		select {
		case cmd := <-s.cmdCh:
			cmd(l)
		case <-l.timerC:
			l.timerC = nil
			l.fire(false)
		case c := <-s.doneCh:
			l.complete(c)
		case <-l.boostC:
			l.boostC = nil
			l.endBoost()
		case <-s.stopCh:
			return
		}
	}
}

// loop is the state owned by the run goroutine.
type loop struct {
	s   *Scheduler
	ctx context.Context

	listeners []Listener
	state     State
	paused    bool
	preset    Preset

	timer   *time.Timer
	timerC  <-chan time.Time
	nextRun time.Time

	boostTimer *time.Timer
	boostC     <-chan time.Time
	boostPrev  Preset

	cycleID     int
	cycleStart  time.Time
	cycleCancel context.CancelFunc

	cycles   int
	failed   int
	skipped  int
	failures int
}

func (l *loop) register(ln Listener) {
	for _, x := range l.listeners {
		if x == ln {
			return
		}
	}
	l.listeners = append(l.listeners, ln)
	if l.state == Idle {
		l.arm()
	}
}

func (l *loop) unregister(ln Listener) {
	for i, x := range l.listeners {
		if x == ln {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			break
		}
	}
	if len(l.listeners) == 0 && l.state == Scheduled {
		l.disarm()
		l.state = Idle
	}
}

// arm schedules the next timer-driven cycle. Consecutive failures stretch
// the delay exponentially up to MaxBackoff.
func (l *loop) arm() {
	l.disarm()
	if len(l.listeners) == 0 {
		l.state = Idle
		return
	}
	l.state = Scheduled
	if l.paused {
		return
	}
	delay := l.delay()
	l.timer = time.NewTimer(delay)
	l.timerC = l.timer.C
	l.nextRun = time.Now().Add(delay)
}

// delay is the preset interval doubled per consecutive failure. The cap never
// drops below the preset interval, so a failure cannot shorten the wait.
func (l *loop) delay() time.Duration {
	d := l.s.opts.interval(l.preset)
	ceiling := max(l.s.opts.MaxBackoff, d)
	for i := 0; i < l.failures && d < ceiling; i++ {
		d *= 2
	}
	if l.failures > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

func (l *loop) disarm() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerC = nil
	l.nextRun = time.Time{}
}

func (l *loop) fire(manual bool) {
	if l.state == Refreshing {
		l.skipped++
		l.s.log.WithField("manual", manual).Debug("Refresh already running, trigger dropped")
		if l.s.opts.OnSkipped != nil {
			l.s.opts.OnSkipped()
		}
		return
	}
	if !manual && (l.paused || len(l.listeners) == 0) {
		return
	}

	l.disarm()
	l.state = Refreshing
	l.cycleID++
	l.cycleStart = time.Now()

	if manual {
		for _, ln := range l.listeners {
			ln.OnRefreshRequested()
		}
	}
	for _, ln := range l.listeners {
		ln.OnRefreshStarted()
	}

	ctx, cancel := context.WithCancel(l.ctx)
	l.cycleCancel = cancel
	id := l.cycleID
	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			select {
			case l.s.doneCh <- completion{id: id, err: err}:
			case <-l.s.stoppedCh:
			}
		})
	}
	go l.s.pull(ctx, done)
}

func (l *loop) complete(c completion) {
	if l.state != Refreshing || c.id != l.cycleID {
		return
	}
	l.cycleCancel()
	l.cycleCancel = nil

	elapsed := time.Since(l.cycleStart)
	ok := c.err == nil
	l.cycles++
	if ok {
		l.failures = 0
		l.s.log.WithField("elapsed", elapsed.Round(time.Millisecond)).Debug("Refresh cycle completed")
	} else {
		l.failed++
		l.failures++
		l.s.log.WithError(c.err).WithField("failures", l.failures).Warn("Refresh cycle failed")
	}
	if l.s.opts.OnCycle != nil {
		l.s.opts.OnCycle(ok, elapsed)
	}
	for _, ln := range l.listeners {
		ln.OnRefreshCompleted(ok)
	}
	l.arm()
}

func (l *loop) rearm() {
	if l.state == Scheduled {
		l.arm()
	}
}

func (l *loop) setPreset(p Preset) {
	l.stopBoost()
	l.preset = p
	l.rearm()
}

func (l *loop) boost(window time.Duration) {
	if l.boostC == nil {
		l.boostPrev = l.preset
	}
	l.stopBoost()
	l.boostTimer = time.NewTimer(window)
	l.boostC = l.boostTimer.C
	l.preset = Fast
	l.rearm()
}

func (l *loop) endBoost() {
	l.boostTimer = nil
	l.preset = l.boostPrev
	l.rearm()
}

func (l *loop) stopBoost() {
	if l.boostTimer != nil {
		l.boostTimer.Stop()
		l.boostTimer = nil
	}
	l.boostC = nil
}

func (l *loop) pause() {
	l.paused = true
	l.disarm()
}

func (l *loop) resume() {
	if !l.paused {
		return
	}
	l.paused = false
	if l.state != Refreshing {
		l.arm()
	}
}

func (l *loop) status() Status {
	return Status{
		State:               l.state,
		Paused:              l.paused,
		Preset:              l.preset,
		Boosted:             l.boostC != nil,
		Listeners:           len(l.listeners),
		Cycles:              l.cycles,
		Failed:              l.failed,
		Skipped:             l.skipped,
		ConsecutiveFailures: l.failures,
		NextRun:             l.nextRun,
	}
}
