// Package notify delivers engine events to external channels (webhook,
// Telegram). Delivery is fire-and-forget: a dead webhook must never slow
// down or fail a download task, so the dispatcher consumes the event bus
// asynchronously and drops on sustained backpressure.
package notify

import (
	"context"
	"time"

	"serialarr/internal/engine"
	"serialarr/internal/eventbus"
	"serialarr/internal/runtime/supervisor"
	"serialarr/pkg/logx"
)

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, e eventbus.Event, ev engine.StoryEvent) error
}

// Config selects which event kinds are delivered.
type Config struct {
	// Events lists subscribed event types; empty means all well-known ones.
	Events []string
	// Timeout bounds one delivery attempt. Defaults to 10s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Events) == 0 {
		c.Events = []string{
			eventbus.EventNewChaptersFound,
			eventbus.EventDownloadFinished,
			eventbus.EventDownloadFailed,
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Dispatcher fans engine events out to the configured channels.
type Dispatcher struct {
	cfg      Config
	bus      eventbus.Bus
	channels []Channel
	log      logx.Logger
	sup      *supervisor.Supervisor
	unsub    func()
}

func NewDispatcher(cfg Config, bus eventbus.Bus, log logx.Logger, channels ...Channel) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg.withDefaults(), bus: bus, channels: channels, log: log}
}

// Start subscribes to the bus and launches the delivery loop. A dispatcher
// with no channels starts but delivers nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	if len(d.channels) == 0 {
		d.log.Debug("no notification channels configured")
		return
	}
	ch, unsub := d.bus.Subscribe(64)
	d.unsub = unsub
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log))
	d.sup.GoRestart("notify-dispatch", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-ch:
				if !ok {
					return nil
				}
				d.deliver(ctx, e)
			}
		}
	})
}

func (d *Dispatcher) Stop(ctx context.Context) {
	if d.unsub != nil {
		d.unsub()
	}
	if d.sup != nil {
		d.sup.Stop(ctx)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e eventbus.Event) {
	if !d.wants(e.Type) {
		return
	}
	ev, ok := e.Data.(engine.StoryEvent)
	if !ok {
		return
	}
	for _, c := range d.channels {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := c.Send(sendCtx, e, ev)
		cancel()
		if err != nil {
			d.log.Warn("notification delivery failed",
				logx.String("channel", c.Name()),
				logx.String("event", e.Type),
				logx.Err(err))
		}
	}
}

func (d *Dispatcher) wants(eventType string) bool {
	for _, t := range d.cfg.Events {
		if t == eventType {
			return true
		}
	}
	return false
}
