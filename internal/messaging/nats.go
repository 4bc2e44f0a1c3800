// Package messaging provides a NATS client wrapper for pub/sub
// messaging across Olyx services. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the
// matchmaking and signaling channels.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/olyx/video-chat/internal/logger"
)

// NATS subject patterns used across Olyx services.
const (
	SubjectSearchRequest  = "search.request"
	SubjectSearchCancel   = "search.cancel"
	SubjectSessionCreated = "session.created"  // + .<user_id>
	SubjectSessionClosed  = "session.closed"   // + .<session_id>
	SubjectSignalSDP      = "signal.sdp"       // + .<session_id>
	SubjectSignalICE      = "signal.candidate" // + .<session_id>
	SubjectViolation      = "moderation.violation"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "olyx",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a
// ready client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			} else {
				logger.Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("nats connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishSearchRequest publishes a search request from a gateway.
func (c *NATSClient) PublishSearchRequest(data []byte) error {
	return c.Publish(SubjectSearchRequest, data)
}

// SubscribeSearchRequest subscribes to search requests from gateways.
func (c *NATSClient) SubscribeSearchRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectSearchRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishSearchCancel publishes a search cancellation.
func (c *NATSClient) PublishSearchCancel(data []byte) error {
	return c.Publish(SubjectSearchCancel, data)
}

// SubscribeSearchCancel subscribes to search cancellations from gateways.
func (c *NATSClient) SubscribeSearchCancel(handler func(data []byte)) error {
	return c.Subscribe(SubjectSearchCancel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishViolation publishes a verdict from external content analysis.
func (c *NATSClient) PublishViolation(data []byte) error {
	return c.Publish(SubjectViolation, data)
}

// SubscribeViolation subscribes to content analysis verdicts.
func (c *NATSClient) SubscribeViolation(handler func(data []byte)) error {
	return c.Subscribe(SubjectViolation, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishSessionCreated notifies a user that a session now contains them.
// Both the initiator and the responder receive this; it is how a
// responder that never issued its own successful TryPair learns about
// the pairing.
func (c *NATSClient) PublishSessionCreated(userID string, data []byte) error {
	return c.Publish(SubjectSessionCreated+"."+userID, data)
}

// SubscribeSessionCreated subscribes to new-session notifications for a user.
func (c *NATSClient) SubscribeSessionCreated(userID string, handler func(data []byte)) error {
	subject := SubjectSessionCreated + "." + userID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeSessionCreated drops the new-session subscription for a user.
func (c *NATSClient) UnsubscribeSessionCreated(userID string) error {
	return c.unsubscribe(SubjectSessionCreated + "." + userID)
}

// PublishSessionClosed notifies participants that a session was torn down.
func (c *NATSClient) PublishSessionClosed(sessionID string, data []byte) error {
	return c.Publish(SubjectSessionClosed+"."+sessionID, data)
}

// SubscribeSessionClosed subscribes to teardown notifications for a session.
// The subscription is keyed by userID so both participants on the same
// process can subscribe without overwriting each other.
func (c *NATSClient) SubscribeSessionClosed(sessionID, userID string, handler func(data []byte)) error {
	subject := SubjectSessionClosed + "." + sessionID
	key := "closed:" + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSessionClosed drops a user's teardown subscription.
func (c *NATSClient) UnsubscribeSessionClosed(userID string) error {
	return c.unsubscribe("closed:" + userID)
}

// PublishSignalSDP publishes an offer/answer notification for a session.
func (c *NATSClient) PublishSignalSDP(sessionID string, data []byte) error {
	return c.Publish(SubjectSignalSDP+"."+sessionID, data)
}

// SubscribeSignalSDP subscribes to description notifications for a
// session. Keyed by userID: both participants may live in one process.
func (c *NATSClient) SubscribeSignalSDP(sessionID, userID string, handler func(data []byte)) error {
	subject := SubjectSignalSDP + "." + sessionID
	key := "sdp:" + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSignalSDP drops a user's description subscription.
func (c *NATSClient) UnsubscribeSignalSDP(userID string) error {
	return c.unsubscribe("sdp:" + userID)
}

// PublishSignalCandidate publishes a network candidate notification.
func (c *NATSClient) PublishSignalCandidate(sessionID string, data []byte) error {
	return c.Publish(SubjectSignalICE+"."+sessionID, data)
}

// SubscribeSignalCandidate subscribes to candidate notifications for a
// session, keyed by userID.
func (c *NATSClient) SubscribeSignalCandidate(sessionID, userID string, handler func(data []byte)) error {
	subject := SubjectSignalICE + "." + sessionID
	key := "ice:" + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSignalCandidate drops a user's candidate subscription.
func (c *NATSClient) UnsubscribeSignalCandidate(userID string) error {
	return c.unsubscribe("ice:" + userID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			logger.Warn("nats drain failed", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		logger.Warn("nats connection drain failed", "error", err)
	}

	logger.Info("nats client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription by key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
