package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"dutybot/internal/eventbus"
	logx "dutybot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case qt := <-queue:
			if ctx.Err() != nil {
				s.release(qt.task.Name)
				return
			}
			s.running.Add(1)
			s.execOne(ctx, qt)
			s.running.Add(-1)
		}
	}
}

// execOne runs a task exactly once. Failures are recorded, never retried.
func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer s.release(qt.task.Name)

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	info := eventbus.TaskInfo{ID: qt.task.ID, Name: qt.task.Name}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	eventbus.Publish(s.bus, eventbus.TaskStarted, info)

	// Stopping the engine does not cancel a task that already started.
	runCtx := context.WithoutCancel(ctx)
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, qt.timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	info.Duration = dur
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		info.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
		eventbus.Publish(s.bus, eventbus.TaskFailed, info)
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
		eventbus.Publish(s.bus, eventbus.TaskSucceeded, info)
	}
	s.record(item)
}
