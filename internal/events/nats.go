package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/atmx/unstake-engine/internal/model"
)

// NATSPublisher publishes JSON events to NATS. With a stream configured it
// publishes through JetStream and sets Nats-Msg-Id so redeliveries of the
// same event are deduplicated server-side.
type NATSPublisher struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
}

// NewNATSPublisher validates configuration and connects.
func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("unstake-engine"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p := &NATSPublisher{cfg: cfg, nc: nc}
	if cfg.Stream != "" {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// PublishUnstake publishes an UnstakeEvent.
func (p *NATSPublisher) PublishUnstake(ctx context.Context, ev model.UnstakeEvent) error {
	id := ev.PoolID + ":" + ev.PositionID + ":" + strconv.FormatInt(ev.Timestamp.UnixNano(), 10)
	return p.publish(ctx, p.cfg.UnstakeSubject(ev.PoolID), id, ev)
}

// PublishPool publishes a pool snapshot.
func (p *NATSPublisher) PublishPool(ctx context.Context, pool model.Pool) error {
	id := pool.ID + ":" + strconv.FormatUint(pool.Version, 10)
	return p.publish(ctx, p.cfg.PoolSubject(pool.ID), id, pool)
}

func (p *NATSPublisher) publish(ctx context.Context, subject, msgID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	if p.js == nil {
		return p.nc.Publish(subject, data)
	}
	_, err = p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	return err
}

// WithTimeout returns a context with the publisher's timeout applied.
func (p *NATSPublisher) WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := p.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return context.WithTimeout(parent, timeout)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
