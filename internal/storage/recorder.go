package storage

import (
	"context"
	"strings"
	"time"

	"dutybot/internal/eventbus"
	logx "dutybot/pkg/logx"
)

const appendTimeout = 2 * time.Second

// Recorder appends bus events to a store. Failures are logged and dropped.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	return &Recorder{store: store, log: log.With(logx.String("comp", "audit"))}
}

// Run consumes bus events until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	if r.store == nil || bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e, keep := EntryFromEvent(ev)
			if !keep {
				continue
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
			err := r.store.Append(actx, e)
			cancel()
			if err != nil {
				r.log.Warn("audit append failed", logx.String("kind", e.Kind), logx.Err(err))
			}
		}
	}
}

// EntryFromEvent maps the events worth auditing to entries.
func EntryFromEvent(ev eventbus.Event) (Entry, bool) {
	e := Entry{At: ev.Time, Kind: ev.Type}
	switch d := ev.Data.(type) {
	case eventbus.Upload:
		e.Flow = d.Flow
		e.Target = d.Filename
		e.OK = ev.Type == eventbus.UploadAccepted
		e.Error = d.Reason
		e.Meta = d.ID
	case eventbus.Delivery:
		e.Flow, e.Target = SplitTaskName(d.Sink)
		e.OK = ev.Type == eventbus.SinkDelivered
		e.Error = d.Error
		e.TookMS = d.Duration.Milliseconds()
	case eventbus.ScheduleChange:
		e.Flow = d.Source
		e.OK = true
	default:
		return Entry{}, false
	}
	return e, true
}

// SplitTaskName splits "<flow>/<sink>" task names.
func SplitTaskName(name string) (flow, sink string) {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
