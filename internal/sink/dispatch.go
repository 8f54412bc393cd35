package sink

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"dutybot/internal/eventbus"
	logx "dutybot/pkg/logx"
)

// Dispatch delivers msg through s exactly once. Success and failure are
// logged and published on bus; nothing is returned to the caller.
func Dispatch(ctx context.Context, name string, s Sink, msg Message, log logx.Logger, bus eventbus.Bus) {
	start := time.Now()
	err := deliver(ctx, s, msg)
	ev := eventbus.Delivery{Sink: name, Title: msg.Title, Duration: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
		log.Error("delivery failed", logx.String("sink", name), logx.Err(err), logx.Duration("dur", ev.Duration))
		eventbus.Publish(bus, eventbus.SinkFailed, ev)
		return
	}
	log.Info("delivered", logx.String("sink", name), logx.String("title", msg.Title), logx.Duration("dur", ev.Duration))
	eventbus.Publish(bus, eventbus.SinkDelivered, ev)
}

func deliver(ctx context.Context, s Sink, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Deliver(ctx, msg)
}
