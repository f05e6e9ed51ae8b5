// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectRoot prefixes every event subject so one NATS cluster can
// serve several systems.
const subjectRoot = "baton.evt"

// NATSConfig holds connection settings for the distributed bus.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. nats://127.0.0.1:4222.
	URL string

	// Name identifies this client in server monitoring.
	Name string

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// NATS is the distributed bus backend on core NATS publish/subscribe.
// Pattern forms map onto subjects: exact types publish and subscribe
// one subject, "prefix.*" becomes "baton.evt.prefix.>", and "*" becomes
// "baton.evt.>".
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var _ Bus = (*NATS)(nil)

// NewNATS connects to the cluster.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return &NATS{
		conn:   conn,
		logger: slog.Default().With(slog.String("component", "bus.nats")),
	}, nil
}

// subjectFor maps an event type to its publish subject.
func subjectFor(eventType string) string {
	return subjectRoot + "." + eventType
}

// subjectForPattern maps a subscription pattern to a NATS subject.
func subjectForPattern(pattern string) string {
	if pattern == "*" {
		return subjectRoot + ".>"
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return subjectRoot + "." + prefix + ".>"
	}
	return subjectRoot + "." + pattern
}

// Publish marshals the event and publishes it on its type subject.
func (n *NATS) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := n.conn.Publish(subjectFor(event.Type), data); err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe registers a handler for every event matching pattern.
func (n *NATS) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}

	logger := n.logger
	sub, err := n.conn.Subscribe(subjectForPattern(pattern), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Warn("dropping undecodable event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		deliver(logger, "nats:"+pattern, handler, event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	return &natsSub{pattern: pattern, sub: sub}, nil
}

// Close drains in-flight messages and disconnects.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

type natsSub struct {
	pattern string
	sub     *nats.Subscription
}

func (s *natsSub) Pattern() string { return s.pattern }

func (s *natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
