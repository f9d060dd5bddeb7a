package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	bridgenode "github.com/valuebridge/bridge-node"
	"github.com/valuebridge/bridge-node/alert"
	"github.com/valuebridge/bridge-node/chain"
	bridgecommon "github.com/valuebridge/bridge-node/common"
	"github.com/valuebridge/bridge-node/config"
	"github.com/valuebridge/bridge-node/dblogger"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/orchestrator"
	"github.com/valuebridge/bridge-node/staker"
	"github.com/valuebridge/bridge-node/store"
	"github.com/valuebridge/bridge-node/watcher"
)

const (
	shutdownTimeout = 30 * time.Second
	// native currency of every supported network
	nativeDecimals = 18
)

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	log.Init(c.Log)

	if c.Log.Environment == log.EnvironmentDevelopment {
		bridgenode.PrintVersion(os.Stdout)
		log.Info("Starting application")
	} else if c.Log.Environment == log.EnvironmentProduction {
		logVersion()
	}
	if c.DryRun {
		log.Warn("dry mode enabled: no transaction will be sent")
	}

	ctx, cancel := context.WithCancel(cliCtx.Context)
	defer cancel()

	storage, err := store.NewSQLStorage(log.WithFields("module", "store"), c.DB.Path)
	if err != nil {
		return fmt.Errorf("error opening the database %s: %w", c.DB.Path, err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			log.Errorf("error closing the database: %v", err)
		}
	}()
	if cliCtx.Bool(config.FlagClearDB) {
		log.Warnf("clearing the database %s", c.DB.Path)
		if err := storage.Clear(ctx); err != nil {
			return fmt.Errorf("error clearing the database: %w", err)
		}
	}

	key, err := bridgecommon.NewKeyFromKeystore(c.Signer)
	if err != nil {
		return fmt.Errorf("error reading the signer keystore %s: %w", c.Signer.Path, err)
	}
	if key == nil && !c.DryRun {
		return fmt.Errorf("%w: a signer is required unless running in dry mode", config.ErrInvalidConfig)
	}

	clients, err := newClients(ctx, c, key)
	if err != nil {
		return err
	}

	orchCfg, err := newOrchestratorConfig(c)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	var alerts alert.Sink = alert.NewLogSink(log.WithFields("module", "alert"))
	if c.Events.NATSURL != "" {
		natsLogger := log.WithFields("module", "nats")
		conn, err := events.ConnectNATS(natsLogger, c.Events.NATSURL)
		if err != nil {
			return fmt.Errorf("error connecting to nats %s: %w", c.Events.NATSURL, err)
		}
		defer conn.Close()
		events.NewNATSForwarder(natsLogger, conn, c.Events.SubjectPrefix, bus).Start(ctx)
		alerts = alert.Multi{alerts, alert.NewNATSSink(conn, c.Events.AlertSubject)}
	}

	if c.Metrics.Enabled {
		metricsLogger := log.WithFields("module", "metrics")
		go func() {
			if err := metrics.Serve(ctx, metricsLogger, c.Metrics.Host, c.Metrics.Port); err != nil {
				metricsLogger.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	if c.DBStateLog.Enabled {
		dbLogger, err := dblogger.New(log.WithFields("module", "dblogger"), c.DBStateLog.Schedule, storage)
		if err != nil {
			return err
		}
		dbLogger.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			dbLogger.Stop(stopCtx)
		}()
	}

	retry := watcher.NewRetryHandler(log.WithFields("module", "retry"),
		c.Retry.MaxAttempts, c.Retry.InitialBackoff.Duration, c.Retry.MaxBackoff.Duration)
	deps := orchestrator.Deps{
		Logger:       log.WithFields("module", "orchestrator"),
		Clients:      clients,
		Store:        storage,
		Bus:          bus,
		Alerts:       alerts,
		Retry:        retry,
		PollInterval: c.PollInterval.Duration,
	}
	orch, err := orchestrator.StartWatchers(ctx, deps, orchCfg)
	if err != nil {
		return err
	}

	waitSignal(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		log.Errorf("watchers stopped with errors: %v", err)
	}
	log.Info("bridge node stopped")
	return nil
}

// newClients dials every enabled network. An unreachable RPC at boot is fatal
func newClients(ctx context.Context, c *config.Config, key *ecdsa.PrivateKey) (map[string]chain.Client, error) {
	clients := make(map[string]chain.Client)
	for _, name := range c.EnabledNetworks() {
		n := c.Networks[name]
		log.Infof("network %s: chainID %d, rpc %s, waitConfirmations %d",
			name, n.ChainID, n.RPCURL, n.WaitConfirmations)
		ethClient, err := ethclient.DialContext(ctx, n.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for %s using URL: %s. Err:%w", name, n.RPCURL, err)
		}
		chainID, err := ethClient.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("error reading the chain id of %s: %w", name, err)
		}
		if chainID.Uint64() != n.ChainID {
			return nil, fmt.Errorf("%w: network %s is configured with chain id %d but the rpc reports %s",
				config.ErrInvalidConfig, name, n.ChainID, chainID)
		}
		client, err := chain.NewEVMClient(log.WithFields("module", "chain", "network", name), chain.EVMConfig{
			Network:    name,
			ChainID:    n.ChainID,
			Bridges:    n.Bridges,
			GasOffset:  n.GasOffset,
			PollPeriod: c.PollInterval.Duration,
			DryRun:     c.DryRun,
		}, ethClient, key)
		if err != nil {
			return nil, fmt.Errorf("error creating the chain client of %s: %w", name, err)
		}
		clients[name] = client
	}
	return clients, nil
}

// newOrchestratorConfig scales every configured amount to the token base units
func newOrchestratorConfig(c *config.Config) (orchestrator.Config, error) {
	tokens := c.EnabledTokens()
	cfg := orchestrator.Config{
		Watchers: c.EnabledWatchers(),
		Tokens:   tokens,
		Roles: orchestrator.Roles{
			Bonder:     c.Roles.Bonder,
			Challenger: c.Roles.Challenger,
			Staker:     c.Roles.Staker,
		},
		MaxBondAmount:          make(map[string]*big.Int),
		CommitThreshold:        make(map[string]*big.Int),
		MaxWaitWindow:          c.CommitTransfers.MaxWaitWindow.Duration,
		TriggerPrecedence:      c.CommitTransfers.TriggerPrecedence,
		SettleThresholdPercent: c.SettleBondedWithdrawals.ThresholdPercent,
		Stake:                  make(map[string]staker.Limits),
	}

	for _, name := range c.EnabledNetworks() {
		n := c.Networks[name]
		var netTokens []string
		for _, token := range tokens {
			if _, ok := n.Bridges[token]; ok {
				netTokens = append(netTokens, token)
			}
		}
		cfg.Networks = append(cfg.Networks, orchestrator.Network{
			Name:               name,
			InitialBlock:       n.InitialBlock,
			SyncBlockChunkSize: n.SyncBlockChunkSize,
			WaitConfirmations:  n.WaitConfirmations,
			ChallengePeriod:    n.ChallengePeriod.Duration,
			Tokens:             netTokens,
		})
	}

	var err error
	for _, token := range tokens {
		decimals := c.Tokens[token].Decimals
		if amount, ok := c.BondWithdrawals[token]; ok {
			if cfg.MaxBondAmount[token], err = bridgecommon.ToBaseUnits(amount, decimals); err != nil {
				return cfg, fmt.Errorf("%w: BondWithdrawals of %s: %w", config.ErrInvalidConfig, token, err)
			}
		}
		if amount, ok := c.CommitTransfers.MinThresholdAmount[token]; ok {
			if cfg.CommitThreshold[token], err = bridgecommon.ToBaseUnits(amount, decimals); err != nil {
				return cfg, fmt.Errorf("%w: MinThresholdAmount of %s: %w", config.ErrInvalidConfig, token, err)
			}
		}
		if s, ok := c.Stake[token]; ok {
			limits, err := stakeLimits(s, decimals)
			if err != nil {
				return cfg, fmt.Errorf("%w: Stake of %s: %w", config.ErrInvalidConfig, token, err)
			}
			cfg.Stake[token] = limits
		}
		log.Infof("token %s: decimals %d, max bond %s, commit threshold %s", token, decimals,
			bridgecommon.FromBaseUnits(cfg.MaxBondAmount[token], decimals),
			bridgecommon.FromBaseUnits(cfg.CommitThreshold[token], decimals))
	}

	if c.ChallengeBond.IsPositive() {
		if cfg.ChallengeBond, err = bridgecommon.ToBaseUnits(c.ChallengeBond, nativeDecimals); err != nil {
			return cfg, fmt.Errorf("%w: ChallengeBond: %w", config.ErrInvalidConfig, err)
		}
	}
	return cfg, nil
}

func stakeLimits(s config.StakeConfig, decimals uint8) (staker.Limits, error) {
	var (
		limits staker.Limits
		err    error
	)
	if limits.MinAmount, err = bridgecommon.ToBaseUnits(s.MinAmount, decimals); err != nil {
		return limits, err
	}
	if limits.MaxAmount, err = optionalAmount(s.MaxAmount, decimals); err != nil {
		return limits, err
	}
	if limits.MaxAmountPerAction, err = optionalAmount(s.MaxAmountPerAction, decimals); err != nil {
		return limits, err
	}
	return limits, nil
}

// optionalAmount returns nil for zero, meaning no limit
func optionalAmount(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsZero() {
		return nil, nil
	}
	return bridgecommon.ToBaseUnits(amount, decimals)
}

func logVersion() {
	// version is already logged by default
	log.Infow("Starting application", bridgenode.GetVersion().Fields()...)
}

// waitSignal blocks until SIGINT, SIGTERM or ctx is done
func waitSignal(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		log.Infof("received %s, terminating application gracefully...", sig)
	case <-ctx.Done():
	}
}
