// Package invalidation keeps runtime caches on several instances in step by
// broadcasting rule changes over NATS.
package invalidation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"

	"github.com/liamcoop/dss/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSubject is the NATS subject events are published on
const DefaultSubject = "dss.rules.invalidate"

// Op names the change that triggered an event
type Op string

const (
	OpAdded   Op = "added"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
	OpSource  Op = "source"
	OpReload  Op = "reload"
)

// Event announces that the cached implementation of Name is out of date
type Event struct {
	Op      Op     `json:"op"`
	RuleID  int64  `json:"ruleId,omitempty"`
	Name    string `json:"name"`
	Version int    `json:"version,omitempty"`

	// Origin identifies the publishing instance
	Origin string `json:"origin,omitempty"`
}

// Encode serializes an event
func Encode(ev Event) ([]byte, error) {
	if strings.TrimSpace(ev.Name) == "" {
		return nil, fmt.Errorf("invalidation event needs a rule name")
	}
	return json.Marshal(ev)
}

// Decode parses an event
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid invalidation event: %w", err)
	}
	if strings.TrimSpace(ev.Name) == "" {
		return Event{}, fmt.Errorf("invalidation event without a rule name")
	}
	return ev, nil
}

// Invalidator drops a cached rule by name
type Invalidator interface {
	Invalidate(name string)
}

// Publisher broadcasts events. A nil Publisher or one without a connection
// publishes nothing, so single-instance deployments need no broker.
type Publisher struct {
	conn    *nats.Conn
	subject string
	origin  string
}

// NewPublisher publishes on subject, or DefaultSubject when empty. Each
// publisher stamps its events with a fresh origin id.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, origin: uuid.NewString()}
}

// Origin is the id stamped on this publisher's events
func (p *Publisher) Origin() string {
	if p == nil {
		return ""
	}
	return p.origin
}

// Publish sends ev to every subscribed instance
func (p *Publisher) Publish(ev Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	ev.Origin = p.origin
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish invalidation for %s: %w", ev.Name, err)
	}
	return nil
}

// Subscribe invalidates the named rule on inv for every event received.
// Malformed messages are logged and skipped.
func Subscribe(conn *nats.Conn, subject string, inv Invalidator) (*nats.Subscription, error) {
	return SubscribeExcept(conn, subject, "", inv)
}

// SubscribeExcept is Subscribe ignoring events stamped with origin, so an
// instance does not undo its own reloads
func SubscribeExcept(conn *nats.Conn, subject, origin string, inv Invalidator) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data)
		if err != nil {
			logger.Warn("dropping invalidation message", "subject", msg.Subject, "error", err)
			return
		}
		if origin != "" && ev.Origin == origin {
			return
		}
		inv.Invalidate(ev.Name)
		logger.Debug("rule invalidated", "rule", ev.Name, "op", string(ev.Op), "version", ev.Version)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
