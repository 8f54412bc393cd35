package scheduler

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dutybot/internal/task/engine"
	logx "dutybot/pkg/logx"
)

// AddCron registers job under name, replacing any schedule with the same name.
// Every fire enqueues one engine task named name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	sched, err := ParseCron(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)

	d := scheduleDef{name: name, spec: strings.TrimSpace(spec), timeout: timeout, job: job}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(d) }))
	s.defs = append(s.defs, d)

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.String("name", name),
			logx.String("spec", d.spec),
			logx.String("next", previewNext(sched, time.Now().In(s.loc), 3)),
		)
	}
	return nil
}

// Trigger enqueues the named schedule's job immediately.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return ErrUnknownSchedule
	}
	return s.enqueue(*def)
}

// ErrUnknownSchedule is returned by Trigger for a name that was never added.
var ErrUnknownSchedule = errors.New("unknown schedule")

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			s.c.Remove(d.entryID)
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) fire(d scheduleDef) {
	if err := s.enqueue(d); err != nil {
		s.reportEnqueueError(d.name, err)
	}
}

func (s *Service) enqueue(d scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job})
}

func previewNext(sched cron.Schedule, from time.Time, n int) string {
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
