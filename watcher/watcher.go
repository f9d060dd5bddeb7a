package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valuebridge/bridge-node/alert"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/store"
	bridgesync "github.com/valuebridge/bridge-node/sync"
	"github.com/valuebridge/bridge-node/types"
)

const defaultPollInterval = 10 * time.Second

// Watcher is a long lived polling loop driving one kind of action
type Watcher interface {
	Name() string
	// Start runs the loop until Stop is called or ctx is done. The returned error is the
	// fatal error that made the watcher quit, if any
	Start(ctx context.Context) error
	// Stop asks the loop to finish the current cycle and return
	Stop()
	// PollOnce runs a single cycle
	PollOnce(ctx context.Context) error
}

// Deps are the collaborators shared by every watcher
type Deps struct {
	Store        store.Storage
	Bus          *events.Bus
	Alerts       alert.Sink
	Retry        *bridgesync.RetryHandler
	PollInterval time.Duration
}

// Base implements the loop, stop handling and alerting common to the watchers
type Base struct {
	name     string
	logger   *log.Logger
	interval time.Duration
	alerts   alert.Sink

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBase(name string, logger *log.Logger, interval time.Duration, alerts alert.Sink) *Base {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if alerts == nil {
		alerts = alert.NewLogSink(logger)
	}
	return &Base{
		name:     name,
		logger:   logger,
		interval: interval,
		alerts:   alerts,
		stopCh:   make(chan struct{}),
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Run polls right away and then every interval. Stop lets the running cycle finish;
// cancelling ctx aborts it. Errors wrapping types.ErrInconsistentState end the loop
func (b *Base) Run(ctx context.Context, poll func(ctx context.Context) error) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	b.logger.Infof("%s started, polling every %s", b.name, b.interval)
	for {
		select {
		case <-b.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		err := poll(ctx)
		metrics.ObserveCycle(b.name, start)
		if err != nil && ctx.Err() == nil {
			if errors.Is(err, types.ErrInconsistentState) {
				b.Alert(ctx, alert.SeverityCritical, "watcher halted", err.Error())
				return fmt.Errorf("%s: %w", b.name, err)
			}
			metrics.WatcherErrors.WithLabelValues(b.name).Inc()
			b.logger.Errorf("error in %s cycle: %v", b.name, err)
		}

		select {
		case <-b.stopCh:
			b.logger.Infof("%s stopped", b.name)
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Alert sends an alert from this watcher. Failing sinks are only logged
func (b *Base) Alert(ctx context.Context, severity alert.Severity, title, message string) {
	metrics.Alerts.WithLabelValues(string(severity)).Inc()
	if err := b.alerts.Alert(ctx, alert.New(severity, b.name, title, message)); err != nil {
		b.logger.Errorf("error sending alert %q: %v", title, err)
	}
}
