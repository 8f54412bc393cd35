package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dutybot/internal/eventbus"
	rtsup "dutybot/internal/runtime/supervisor"
	logx "dutybot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q   chan queuedTask
	sup *rtsup.Supervisor

	// pending holds names that are queued or running.
	pendMu  sync.Mutex
	pending map[string]struct{}

	hmu     sync.Mutex
	history []HistoryItem

	running atomic.Int32
	dropped atomic.Uint64
	skipped atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		pending: map[string]struct{}{},
	}
}

// Start launches the workers. It is a no-op if already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	queue := s.q
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, queue)
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, 250*time.Millisecond, 5*time.Second)
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop halts the workers and waits for the in-flight task, bounded by ctx.
// Queued tasks that never started are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.q = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	defer func() {
		s.pendMu.Lock()
		s.pending = map[string]struct{}{}
		s.pendMu.Unlock()
	}()
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("task engine stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	q := s.q
	cfg := s.cfg
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	info := eventbus.TaskInfo{ID: t.ID, Name: t.Name}
	if !s.acquire(t.Name) {
		s.skipped.Add(1)
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		eventbus.Publish(s.bus, eventbus.TaskSkipped, info)
		return ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case q <- queuedTask{task: t, enqueuedAt: time.Now(), timeout: timeout}:
		eventbus.Publish(s.bus, eventbus.TaskQueued, info)
		return nil
	default:
		s.release(t.Name)
		s.dropped.Add(1)
		if s.shouldWarn() {
			s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		}
		eventbus.Publish(s.bus, eventbus.TaskDropped, info)
		return ErrQueueFull
	}
}

func (s *Service) acquire(name string) bool {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if _, busy := s.pending[name]; busy {
		return false
	}
	s.pending[name] = struct{}{}
	return true
}

func (s *Service) release(name string) {
	s.pendMu.Lock()
	delete(s.pending, name)
	s.pendMu.Unlock()
}

func (s *Service) shouldWarn() bool {
	now := time.Now().UnixNano()
	prev := s.lastQueueFullWarnAt.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastQueueFullWarnAt.CompareAndSwap(prev, now)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Workers:        cfg.Workers,
		Running:        int(s.running.Load()),
		Dropped:        s.dropped.Load(),
		Skipped:        s.skipped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
