package broadcast

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"staffportal.org/internal/obs"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	Servers       []string
	Name          string
	Subject       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATS carries broadcasts between processes over core NATS subjects.
type NATS struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects with unlimited reconnects.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("broadcast: nats servers missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = Channel
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","),
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				obs.Logger().Warn("broadcast: nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			obs.Logger().Info("broadcast: nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewNATS(nc, cfg.Subject), nil
}

// NewNATS uses an existing connection.
func NewNATS(nc *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = Channel
	}
	return &NATS{nc: nc, subject: subject}
}

func (n *NATS) Publish(_ context.Context, data []byte) error {
	return n.nc.Publish(n.subject, data)
}

func (n *NATS) Subscribe(handler func([]byte)) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}
