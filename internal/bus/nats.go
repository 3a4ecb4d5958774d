package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subjectPrefix = "qms."

// NATSChannel is the primary push transport.
type NATSChannel struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSChannel(conn *nats.Conn, logger zerolog.Logger) *NATSChannel {
	return &NATSChannel{conn: conn, logger: logger}
}

// ConnectNATS dials url with reconnects enabled and connection state logged.
func ConnectNATS(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := Subject(topic)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (c *NATSChannel) Subscribe(topic string, handler Handler) (Subscription, error) {
	subject, err := Subject(topic)
	if err != nil {
		return nil, err
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(topic, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// SubscribeAll delivers every queue topic of every facility. The realtime
// relay uses it to feed browser screens.
func (c *NATSChannel) SubscribeAll(handler Handler) (Subscription, error) {
	sub, err := c.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		handler(TopicFromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe all: %w", err)
	}
	return sub, nil
}

// Subject maps a topic onto a NATS subject:
// facility:F:queue:updated becomes qms.facility.F.queue.updated.
func Subject(topic string) (string, error) {
	if topic == "" || strings.ContainsAny(topic, ". \t\r\n*>") {
		return "", fmt.Errorf("invalid topic %q", topic)
	}
	return subjectPrefix + strings.ReplaceAll(topic, ":", "."), nil
}

func TopicFromSubject(subject string) string {
	return strings.ReplaceAll(strings.TrimPrefix(subject, subjectPrefix), ".", ":")
}
