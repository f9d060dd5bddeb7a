package metrics

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valuebridge/bridge-node/log"
)

const (
	namespace         = "bridge_node"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var (
	// Decisions counts what watchers decided for each item they evaluated
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Decisions taken by the watchers",
	}, []string{"watcher", "decision"})

	TxSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_submitted_total",
		Help:      "Transactions broadcast",
	}, []string{"network", "method"})

	TxFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_failed_total",
		Help:      "Submissions that failed",
	}, []string{"network", "method"})

	TransfersObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_observed_total",
		Help:      "Transfers observed on source networks",
	}, []string{"route"})

	LastProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_processed_block",
		Help:      "Last block processed by a watcher",
	}, []string{"network", "watcher"})

	StakeBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stake_balance",
		Help:      "Bonder credit in base units",
	}, []string{"network", "token"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "watcher_cycle_duration_seconds",
		Help:      "Duration of a watcher poll cycle",
		Buckets:   prometheus.DefBuckets,
	}, []string{"watcher"})

	WatcherErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watcher_errors_total",
		Help:      "Failed poll cycles",
	}, []string{"watcher"})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alerts raised",
	}, []string{"severity"})
)

// Decision counts one decision of a watcher
func Decision(watcher, decision string) {
	Decisions.WithLabelValues(watcher, decision).Inc()
}

// ObserveCycle records the duration of a cycle started at start
func ObserveCycle(watcher string, start time.Time) {
	CycleDuration.WithLabelValues(watcher).Observe(time.Since(start).Seconds())
}

// SetStakeBalance exports a balance; precision beyond float64 is irrelevant for dashboards
func SetStakeBalance(network, token string, amount *big.Int) {
	if amount == nil {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	StakeBalance.WithLabelValues(network, token).Set(f)
}

// Serve exposes the default registry on host:port until ctx is done
func Serve(ctx context.Context, logger *log.Logger, host string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("error shutting down metrics server: %v", err)
		}
	}()
	logger.Infof("metrics server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
