package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/valuebridge/bridge-node/log"
)

const (
	natsConnectTimeout = 10 * time.Second
	natsReconnectWait  = 5 * time.Second
)

// Publisher is the part of a NATS connection the forwarder needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials url, reconnecting forever
func ConnectNATS(logger *log.Logger, url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("bridge-node"),
		nats.Timeout(natsConnectTimeout),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
}

// NATSForwarder publishes every event of a Bus as JSON on <prefix>.<kind>
type NATSForwarder struct {
	logger *log.Logger
	pub    Publisher
	prefix string
	bus    *Bus
}

func NewNATSForwarder(logger *log.Logger, pub Publisher, prefix string, bus *Bus) *NATSForwarder {
	return &NATSForwarder{
		logger: logger,
		pub:    pub,
		prefix: prefix,
		bus:    bus,
	}
}

func (f *NATSForwarder) subject(kind string) string {
	if f.prefix == "" {
		return kind
	}
	return f.prefix + "." + kind
}

// Start subscribes to every feed. Forwarding stops when ctx is done
func (f *NATSForwarder) Start(ctx context.Context) {
	go forward(ctx, f, KindBondWithdrawal, f.bus.BondWithdrawal)
	go forward(ctx, f, KindTransfersCommitted, f.bus.TransfersCommitted)
	go forward(ctx, f, KindBondedWithdrawalsSettled, f.bus.BondedWithdrawalsSettled)
	go forward(ctx, f, KindTransferRootChallenged, f.bus.TransferRootChallenged)
	go forward(ctx, f, KindStakeRebalanced, f.bus.StakeRebalanced)
}

func forward[T any](ctx context.Context, f *NATSForwarder, kind string, feed *Feed[T]) {
	ch := feed.Subscribe("nats-forwarder")
	defer feed.Unsubscribe(ch)
	subject := f.subject(kind)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				f.logger.Errorf("error encoding %s event: %v", kind, err)
				continue
			}
			if err := f.pub.Publish(subject, data); err != nil {
				f.logger.Warnf("error publishing %s event: %v", kind, err)
			}
		}
	}
}
