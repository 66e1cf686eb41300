package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes ledger messages on core NATS subjects of the form
// <prefix>.trade.placed and <prefix>.event.resolved.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials the NATS server at url and returns a publisher.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("friendsbets-ledger"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Error("nats disconnected", "err", err)
			} else {
				slog.Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "err", err)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	slog.Info("connected to nats", "url", nc.ConnectedUrl())
	return NewNATSPublisher(nc, prefix), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject a message of the given type is published on.
func (p *NATSPublisher) Subject(msgType string) string {
	return p.prefix + "." + strings.ReplaceAll(msgType, "_", ".")
}

// Broadcast publishes msg. Core NATS publishes are buffered by the client,
// so this never blocks on the network.
func (p *NATSPublisher) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("nats marshal failed", "type", msg.Type, "err", err)
		return
	}
	subject := p.Subject(msg.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error("nats publish failed", "subject", subject, "err", err)
		return
	}
	slog.Debug("published to nats", "subject", subject, "size", len(data))
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
