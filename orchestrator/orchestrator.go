package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"github.com/valuebridge/bridge-node/alert"
	"github.com/valuebridge/bridge-node/bonder"
	"github.com/valuebridge/bridge-node/chain"
	"github.com/valuebridge/bridge-node/challenger"
	"github.com/valuebridge/bridge-node/committer"
	bridgecommon "github.com/valuebridge/bridge-node/common"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/settler"
	"github.com/valuebridge/bridge-node/staker"
	"github.com/valuebridge/bridge-node/store"
	bridgesync "github.com/valuebridge/bridge-node/sync"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
	"golang.org/x/sync/errgroup"
)

var ErrMissingClient = errors.New("no chain client for network")

type Roles struct {
	Bonder     bool
	Challenger bool
	Staker     bool
}

// Network is an enabled network and the tokens bridged on it
type Network struct {
	Name               string
	InitialBlock       uint64
	SyncBlockChunkSize uint64
	WaitConfirmations  uint64
	ChallengePeriod    time.Duration
	Tokens             []string
}

func (n Network) hasToken(token string) bool {
	for _, t := range n.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

type Config struct {
	// Watchers are the enabled kinds, every kind when empty
	Watchers []string
	Networks []Network
	// Tokens enabled, in start order
	Tokens []string
	Roles  Roles

	MaxBondAmount          map[string]*big.Int
	CommitThreshold        map[string]*big.Int
	MaxWaitWindow          time.Duration
	TriggerPrecedence      string
	SettleThresholdPercent map[string]decimal.Decimal
	Stake                  map[string]staker.Limits
	ChallengeBond          *big.Int
}

func (c Config) enabled(kind string) bool {
	if len(c.Watchers) == 0 {
		return true
	}
	for _, w := range c.Watchers {
		if w == kind {
			return true
		}
	}
	return false
}

// Deps are the shared collaborators handed to every watcher
type Deps struct {
	Logger       *log.Logger
	Clients      map[string]chain.Client
	Store        store.Storage
	Bus          *events.Bus
	Alerts       alert.Sink
	Retry        *bridgesync.RetryHandler
	PollInterval time.Duration
}

// Orchestrator owns the goroutines of the running watchers
type Orchestrator struct {
	logger   *log.Logger
	watchers []watcher.Watcher
	cancel   context.CancelFunc
	group    errgroup.Group
	done     chan struct{}

	mu   sync.Mutex
	errs *multierror.Error
}

// Routes lists the (source, destination, token) paths enabled by cfg, in start order
func Routes(cfg Config) []types.Route {
	var routes []types.Route
	for _, src := range cfg.Networks {
		for _, dst := range cfg.Networks {
			if src.Name == dst.Name {
				continue
			}
			for _, token := range cfg.Tokens {
				if src.hasToken(token) && dst.hasToken(token) {
					routes = append(routes, types.Route{Source: src.Name, Dest: dst.Name, Token: token})
				}
			}
		}
	}
	return routes
}

func build(deps Deps, cfg Config) ([]watcher.Watcher, error) {
	for _, n := range cfg.Networks {
		if _, ok := deps.Clients[n.Name]; !ok {
			return nil, fmt.Errorf("%w %s", ErrMissingClient, n.Name)
		}
	}
	networks := make(map[string]Network, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networks[n.Name] = n
	}
	wdeps := watcher.Deps{
		Store:        deps.Store,
		Bus:          deps.Bus,
		Alerts:       deps.Alerts,
		Retry:        deps.Retry,
		PollInterval: deps.PollInterval,
	}

	var res []watcher.Watcher
	for _, route := range Routes(cfg) {
		src, dst := networks[route.Source], networks[route.Dest]
		srcClient, dstClient := deps.Clients[route.Source], deps.Clients[route.Dest]
		if cfg.enabled(bridgecommon.BOND_WITHDRAWAL) {
			res = append(res, bonder.New(
				deps.Logger.WithFields("module", bridgecommon.BOND_WITHDRAWAL, "route", route.String()),
				bonder.Config{
					Route:              route,
					InitialBlock:       src.InitialBlock,
					SyncBlockChunkSize: src.SyncBlockChunkSize,
					WaitConfirmations:  dst.WaitConfirmations,
					MaxBondAmount:      cfg.MaxBondAmount[route.Token],
					BonderRole:         cfg.Roles.Bonder,
				}, srcClient, dstClient, wdeps))
		}
		if cfg.enabled(bridgecommon.COMMIT_TRANSFERS) {
			res = append(res, committer.New(
				deps.Logger.WithFields("module", bridgecommon.COMMIT_TRANSFERS, "route", route.String()),
				committer.Config{
					Route:              route,
					MinThresholdAmount: cfg.CommitThreshold[route.Token],
					MaxWaitWindow:      cfg.MaxWaitWindow,
					TriggerPrecedence:  cfg.TriggerPrecedence,
				}, srcClient, wdeps))
		}
		if cfg.enabled(bridgecommon.CHALLENGE) && cfg.Roles.Challenger {
			res = append(res, challenger.New(
				deps.Logger.WithFields("module", bridgecommon.CHALLENGE, "route", route.String()),
				challenger.Config{
					Route:              route,
					InitialBlock:       src.InitialBlock,
					SyncBlockChunkSize: src.SyncBlockChunkSize,
					ChallengePeriod:    src.ChallengePeriod,
					Bond:               cfg.ChallengeBond,
				}, srcClient, dstClient, wdeps))
		}
	}

	for _, n := range cfg.Networks {
		var tokens []string
		for _, token := range cfg.Tokens {
			if n.hasToken(token) {
				tokens = append(tokens, token)
			}
		}
		if len(tokens) == 0 {
			continue
		}
		if cfg.enabled(bridgecommon.SETTLE_BONDED_WITHDRAWALS) {
			res = append(res, settler.New(
				deps.Logger.WithFields("module", bridgecommon.SETTLE_BONDED_WITHDRAWALS, "network", n.Name),
				settler.Config{
					Network:           n.Name,
					Tokens:            tokens,
					WaitConfirmations: n.WaitConfirmations,
					ThresholdPercent:  cfg.SettleThresholdPercent,
				}, deps.Clients[n.Name], wdeps))
		}
		if cfg.enabled(bridgecommon.STAKE) && cfg.Roles.Staker {
			limits := map[string]staker.Limits{}
			for _, token := range tokens {
				if l, ok := cfg.Stake[token]; ok {
					limits[token] = l
				}
			}
			if len(limits) > 0 {
				res = append(res, staker.New(
					deps.Logger.WithFields("module", bridgecommon.STAKE, "network", n.Name),
					staker.Config{Network: n.Name, Tokens: limits, WaitConfirmations: n.WaitConfirmations},
					deps.Clients[n.Name], wdeps))
			}
		}
	}
	return res, nil
}

// StartWatchers builds one watcher per applicable tuple and starts them all
func StartWatchers(ctx context.Context, deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Logger == nil {
		deps.Logger = log.WithFields("module", "orchestrator")
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewLogSink(deps.Logger)
	}
	watchers, err := build(deps, cfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		logger:   deps.Logger,
		watchers: watchers,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, w := range watchers {
		w := w
		o.group.Go(func() error {
			if err := w.Start(runCtx); err != nil {
				o.logger.Errorf("watcher %s quit: %v", w.Name(), err)
				o.mu.Lock()
				o.errs = multierror.Append(o.errs, err)
				o.mu.Unlock()
			}
			return nil
		})
	}
	go func() {
		_ = o.group.Wait()
		close(o.done)
	}()
	o.logger.Infof("started %d watchers", len(watchers))
	return o, nil
}

func (o *Orchestrator) Watchers() []watcher.Watcher {
	return o.watchers
}

// Stop asks every watcher to finish its cycle and waits for them. When ctx is done first the
// running cycles are cancelled, and Stop still waits for them to return
func (o *Orchestrator) Stop(ctx context.Context) error {
	for _, w := range o.watchers {
		w.Stop()
	}
	select {
	case <-o.done:
	case <-ctx.Done():
		o.logger.Warnf("shutdown timeout reached, cancelling running cycles")
		o.cancel()
		<-o.done
	}
	o.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errs.ErrorOrNil()
}

// Err returns the fatal errors of the watchers that already quit
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errs.ErrorOrNil()
}
