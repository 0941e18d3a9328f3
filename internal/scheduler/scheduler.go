// Package scheduler fires registered background tasks on jittered
// intervals with per-task circuit breaking, overlap policies, a stuck-run
// detector and a process-wide kill switch.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultTickInterval    = 250 * time.Millisecond
	DefaultBreakerCooldown = 5 * time.Minute
	DefaultStuckTimeout    = 2 * time.Hour
	breakerFailureLimit    = 3
)

// ConcurrencyPolicy decides what happens when a task fires while a prior
// run is still in flight.
type ConcurrencyPolicy string

const (
	PolicySkip   ConcurrencyPolicy = "skip" // drop the overlapping firing
	PolicyQueue  ConcurrencyPolicy = "queue"
	PolicyCancel ConcurrencyPolicy = "cancel"
)

// Task is one registered background job.
type Task struct {
	ID       string
	Interval time.Duration
	Jitter   time.Duration
	Policy   ConcurrencyPolicy // empty = skip
	Handler  func(ctx context.Context) error
}

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

type taskState struct {
	task     Task
	nextFire time.Time

	running    bool
	runID      string
	runStarted time.Time
	cancelRun  context.CancelFunc
	queued     bool

	breaker   breakerState
	failures  int
	openUntil time.Time
	stuck     bool
}

// Alert is emitted for operator-visible conditions (stuck runs, opened
// breakers).
type Alert struct {
	TaskID  string
	Kind    string // "stuck" or "breaker_open"
	Message string
	At      time.Time
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	TickInterval    time.Duration
	BreakerCooldown time.Duration
	StuckTimeout    time.Duration
	OnAlert         func(Alert)
}

// Scheduler runs a single loop that fires due tasks.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*taskState
	killed bool
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	rng    *rand.Rand
	launch func(func())
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = DefaultStuckTimeout
	}
	return &Scheduler{
		tasks:  make(map[string]*taskState),
		cfg:    cfg,
		logger: log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		launch: func(fn func()) { go fn() },
	}
}

// Register adds a task. The first firing is one jittered interval out.
func (s *Scheduler) Register(t Task) {
	if t.Policy == "" {
		t.Policy = PolicySkip
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &taskState{
		task:     t,
		nextFire: s.now().Add(s.jittered(t)),
		breaker:  breakerClosed,
	}
}

// jittered returns interval ± U(−jitter, +jitter), floored at zero.
func (s *Scheduler) jittered(t Task) time.Duration {
	d := t.Interval
	if t.Jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(2*t.Jitter))) - t.Jitter
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Run drives the loop until ctx is cancelled, then waits for in-flight
// runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// SetKillSwitch halts (or resumes) all firings. In-flight runs are not
// interrupted.
func (s *Scheduler) SetKillSwitch(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = on
	if on {
		s.logger.Printf("ERROR kill switch engaged, all task firings halted")
	} else {
		s.logger.Printf("INFO kill switch released")
	}
}

// fireDue starts every task whose next firing has arrived.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killed {
		return
	}
	for _, st := range s.tasks {
		s.checkStuckLocked(st, now)
		if now.Before(st.nextFire) {
			continue
		}
		if st.running {
			switch st.task.Policy {
			case PolicyQueue:
				st.queued = true
			case PolicyCancel:
				if st.cancelRun != nil {
					st.cancelRun()
				}
			default:
				s.logger.Printf("INFO task %s still running, skipping overlapping firing", st.task.ID)
			}
			st.nextFire = now.Add(s.jittered(st.task))
			continue
		}
		if st.breaker == breakerOpen {
			if now.Before(st.openUntil) {
				st.nextFire = now.Add(s.jittered(st.task))
				continue
			}
			st.breaker = breakerHalfOpen
			s.logger.Printf("INFO task %s breaker HALF_OPEN, probing", st.task.ID)
		}
		s.startRunLocked(ctx, st, now)
	}
}

// checkStuckLocked marks a run exceeding the stuck timeout and clears its
// run id so the next firing is not blocked forever.
func (s *Scheduler) checkStuckLocked(st *taskState, now time.Time) {
	if !st.running || st.stuck || now.Sub(st.runStarted) <= s.cfg.StuckTimeout {
		return
	}
	st.stuck = true
	st.running = false
	st.runID = ""
	s.logger.Printf("ERROR task %s run exceeded stuck timeout %s", st.task.ID, s.cfg.StuckTimeout)
	s.alert(Alert{TaskID: st.task.ID, Kind: "stuck",
		Message: "run exceeded stuck timeout", At: now})
}

func (s *Scheduler) startRunLocked(ctx context.Context, st *taskState, now time.Time) {
	runCtx, cancel := context.WithCancel(ctx)
	st.running = true
	st.stuck = false
	st.queued = false
	st.runID = uuid.NewString()
	st.runStarted = now
	st.cancelRun = cancel
	st.nextFire = now.Add(s.jittered(st.task))
	runID := st.runID

	s.wg.Add(1)
	s.launch(func() {
		defer s.wg.Done()
		defer cancel()
		err := st.task.Handler(runCtx)
		s.finishRun(ctx, st, runID, err)
	})
}

func (s *Scheduler) finishRun(ctx context.Context, st *taskState, runID string, err error) {
	s.mu.Lock()

	// A stuck-detector reset may have disowned this run already.
	if st.runID == runID {
		st.running = false
		st.runID = ""
		st.cancelRun = nil
	}

	if err != nil {
		st.failures++
		s.logger.Printf("WARN task %s failed (%d consecutive): %v", st.task.ID, st.failures, err)
		if st.breaker == breakerHalfOpen || st.failures >= breakerFailureLimit {
			st.breaker = breakerOpen
			st.openUntil = s.now().Add(s.cfg.BreakerCooldown)
			s.logger.Printf("ERROR task %s breaker OPEN until %s", st.task.ID, st.openUntil.Format(time.RFC3339))
			s.alert(Alert{TaskID: st.task.ID, Kind: "breaker_open",
				Message: err.Error(), At: s.now()})
		}
	} else {
		if st.breaker != breakerClosed {
			s.logger.Printf("INFO task %s breaker CLOSED", st.task.ID)
		}
		st.breaker = breakerClosed
		st.failures = 0
	}

	rerun := st.queued && !s.killed && err == nil
	if rerun {
		s.startRunLocked(ctx, st, s.now())
	}
	s.mu.Unlock()
}

// alert must be called with the mutex held; the callback itself runs
// without it.
func (s *Scheduler) alert(a Alert) {
	if s.cfg.OnAlert == nil {
		return
	}
	cb := s.cfg.OnAlert
	s.launch(func() { cb(a) })
}

// TaskStatus is a snapshot of one task for operator introspection.
type TaskStatus struct {
	ID       string
	Breaker  string
	Failures int
	Running  bool
	Stuck    bool
	NextFire time.Time
}

// Status reports every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, TaskStatus{
			ID:       st.task.ID,
			Breaker:  string(st.breaker),
			Failures: st.failures,
			Running:  st.running,
			Stuck:    st.stuck,
			NextFire: st.nextFire,
		})
	}
	return out
}

// SetClock injects a clock, RNG seed and launcher for tests. A nil launch
// keeps goroutine dispatch.
func (s *Scheduler) SetClock(now func() time.Time, seed int64, launch func(func())) {
	s.now = now
	s.rng = rand.New(rand.NewSource(seed))
	if launch != nil {
		s.launch = launch
	}
}
