package dblogger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/store"
)

type SummaryReader interface {
	Summary() (store.Summary, error)
}

// printfLogger lets cron report through our logger
type printfLogger struct {
	logger *log.Logger
}

func (p printfLogger) Printf(format string, args ...interface{}) {
	p.logger.Infof(format, args...)
}

// DBLogger periodically logs a summary of the stored state
type DBLogger struct {
	logger  *log.Logger
	storage SummaryReader
	cron    *cron.Cron
}

func New(logger *log.Logger, schedule string, storage SummaryReader) (*DBLogger, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(printfLogger{logger}))))
	d := &DBLogger{logger: logger, storage: storage, cron: c}
	if _, err := c.AddFunc(schedule, d.LogState); err != nil {
		return nil, fmt.Errorf("invalid db state log schedule %q: %w", schedule, err)
	}
	return d, nil
}

func (d *DBLogger) Start() {
	d.logger.Info("db state logger started")
	d.cron.Start()
}

// Stop waits for a running dump, or ctx
func (d *DBLogger) Stop(ctx context.Context) {
	select {
	case <-d.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (d *DBLogger) LogState() {
	s, err := d.storage.Summary()
	if err != nil {
		d.logger.Errorf("error reading db state: %v", err)
		return
	}
	d.logger.Infow("db state",
		"transfers", formatCounts(s),
		"bonds", s.Bonds,
		"unconfirmedBonds", s.UnconfirmedBonds,
		"revertedBonds", s.RevertedBonds,
		"unsettledBonds", s.UnsettledBonds,
		"failedBonds", s.FailedBonds,
		"unsettledRoots", s.UnsettledRoots,
		"pendingChallenges", s.PendingChallenges,
	)
	for _, c := range s.Cursors {
		d.logger.Infof("cursor %s/%s at block %d", c.Network, c.WatcherKind, c.LastProcessedBlock)
	}
}

func formatCounts(s store.Summary) string {
	parts := make([]string, 0, len(s.TransfersByStatus))
	for status, n := range s.TransfersByStatus {
		parts = append(parts, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
