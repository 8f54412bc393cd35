// Package flow binds one source to many (cron, sink) pairs.
//
// A flow document looks like:
//
//	{
//	  "name": "enze",
//	  "title_key": "日期", "content_key": "张三", "date_format": "%-m.%-d",
//	  "publishers": {
//	    "pushplus": {"cron_expr": "0 8 * * *", "token": "..."},
//	    "log":      {"cron_expr": "*/30 * * * *"}
//	  }
//	}
//
// "name" picks the source; the remaining top-level keys are its options.
// Each publisher key picks a sink; "cron_expr" is popped and the rest are
// the sink's options.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"dutybot/internal/eventbus"
	"dutybot/internal/sink"
	"dutybot/internal/source"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

// ErrConfig wraps every error caused by a bad flow document.
var ErrConfig = errors.New("invalid flow configuration")

// Publisher is one (cron, sink) pair of a flow.
type Publisher struct {
	Sink string
	Cron string
	Dest sink.Sink
}

// TaskName is the scheduler/engine name of this publisher's task.
func (p Publisher) TaskName(flowID string) string { return flowID + "/" + p.Sink }

type Flow struct {
	ID         string
	Path       string
	SourceName string
	Source     source.Source
	Publishers []Publisher
}

type Options struct {
	Logger logx.Logger
	Bus    eventbus.Bus
	// UploadURL returns the public upload link for a flow.
	UploadURL  func(flowID string) string
	HTTPClient *http.Client
	// Now supplies the trigger time; it should be in the scheduler's zone.
	Now func() time.Time
	// Timeout bounds one task run. 0 uses the engine default.
	Timeout time.Duration
}

type Table struct {
	flows []*Flow
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	tmo   time.Duration
}

// Cron is the part of the scheduler the table registers with.
type Cron interface {
	AddCron(name, spec string, timeout time.Duration, job scheduler.Job) error
}

// Build loads every flow document. Flows are processed in id order and the
// first error aborts the build.
func Build(paths map[string]string, opt Options) (*Table, error) {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	t := &Table{
		log: opt.Logger.With(logx.String("comp", "flow")),
		bus: opt.Bus,
		now: opt.Now,
		tmo: opt.Timeout,
	}
	ids := make([]string, 0, len(paths))
	for id := range paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		f, err := Load(id, paths[id], opt)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		t.flows = append(t.flows, f)
		t.log.Info("flow loaded",
			logx.String("flow", id),
			logx.String("source", f.SourceName),
			logx.Int("publishers", len(f.Publishers)),
		)
	}
	return t, nil
}

func (t *Table) Flows() []*Flow { return t.flows }

func (t *Table) Lookup(id string) (*Flow, bool) {
	for _, f := range t.flows {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Register adds one cron task per publisher, named "<flow>/<sink>".
func (t *Table) Register(c Cron) error {
	for _, f := range t.flows {
		for _, p := range f.Publishers {
			if err := c.AddCron(p.TaskName(f.ID), p.Cron, t.tmo, t.job(f, p)); err != nil {
				return fmt.Errorf("flow %s: register %s: %w", f.ID, p.Sink, err)
			}
		}
	}
	return nil
}

// job produces once and hands the result to the sink. Delivery failures
// are contained by sink.Dispatch, so the job itself never fails.
func (t *Table) job(f *Flow, p Publisher) scheduler.Job {
	name := p.TaskName(f.ID)
	log := t.log.With(logx.String("flow", f.ID))
	return func(ctx context.Context) error {
		out := f.Source.Produce(t.now(), true)
		sink.Dispatch(ctx, name, p.Dest, sink.Message{Content: out.Content, Title: out.Title}, log, t.bus)
		return nil
	}
}

// Ingesters returns the flows whose source accepts uploads, keyed by flow id.
func (t *Table) Ingesters() map[string]source.Ingester {
	out := map[string]source.Ingester{}
	for _, f := range t.flows {
		if in, ok := f.Source.(source.Ingester); ok {
			out[f.ID] = in
		}
	}
	return out
}

// Close releases sinks that hold connections.
func (t *Table) Close() error {
	var errs []error
	for _, f := range t.flows {
		for _, p := range f.Publishers {
			if c, ok := p.Dest.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", p.TaskName(f.ID), err))
				}
			}
		}
	}
	return errors.Join(errs...)
}
