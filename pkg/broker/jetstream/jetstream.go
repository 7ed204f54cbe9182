// Copyright 2025 UMH Systems GmbH
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

// Package jetstream implements broker.Client on NATS JetStream.
// Each broker topic is a stream with a single subject; offset n is stream sequence n+1.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// Options configures the NATS connection and the streams created for topics.
type Options struct {
	URL string
	// MaxMsgs is the retention of each stream; 0 keeps the server default.
	MaxMsgs        int64
	ConnectTimeout time.Duration
}

// Client is a broker.Client backed by a NATS connection.
type Client struct {
	opts Options
	nc   *nats.Conn
	js   jetstream.JetStream
	log  *zap.SugaredLogger

	mu      sync.Mutex
	streams map[string]bool
}

var streamNamer = strings.NewReplacer(".", "_", "*", "_", ">", "_")

func streamName(topic string) string {
	return streamNamer.Replace(topic)
}

// NewClient connects to the NATS server.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	log := logger.For(logger.ComponentJetStreamBroker)
	nc, err := nats.Connect(opts.URL,
		nats.Name("salbus"),
		nats.Timeout(opts.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("Reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", sal.ErrTransport, opts.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: creating jetstream context: %w", sal.ErrTransport, err)
	}

	return &Client{opts: opts, nc: nc, js: js, log: log, streams: make(map[string]bool)}, nil
}

// CreateTopics implements broker.Client.
func (c *Client) CreateTopics(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		if err := c.ensureStream(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ensureStream(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streams[topic] {
		return nil
	}
	cfg := jetstream.StreamConfig{
		Name:     streamName(topic),
		Subjects: []string{topic},
		Storage:  jetstream.FileStorage,
	}
	if c.opts.MaxMsgs > 0 {
		cfg.MaxMsgs = c.opts.MaxMsgs
	}
	if _, err := c.js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("%w: creating stream for %s: %w", sal.ErrTransport, topic, err)
	}
	c.streams[topic] = true
	return nil
}

// Publish implements broker.Client.
func (c *Client) Publish(ctx context.Context, topic string, value []byte) (int64, error) {
	if err := c.ensureStream(ctx, topic); err != nil {
		return 0, err
	}
	ack, err := c.js.Publish(ctx, topic, value)
	if err != nil {
		return 0, fmt.Errorf("%w: publishing to %s: %w", sal.ErrTransport, topic, err)
	}
	return int64(ack.Sequence) - 1, nil
}

// WatermarkOffsets implements broker.Client.
func (c *Client) WatermarkOffsets(ctx context.Context, topic string) (int64, int64, error) {
	stream, err := c.js.Stream(ctx, streamName(topic))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: looking up stream of %s: %w", sal.ErrTransport, topic, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading stream info of %s: %w", sal.ErrTransport, topic, err)
	}

	high := int64(info.State.LastSeq)
	if info.State.Msgs == 0 {
		return high, high, nil
	}
	return int64(info.State.FirstSeq) - 1, high, nil
}

// Subscribe implements broker.Client with one ordered consumer per topic.
func (c *Client) Subscribe(ctx context.Context, topics []string, policy broker.OffsetPolicy) (broker.Subscription, error) {
	sub := &subscription{
		messages: make(chan *broker.Message, 256),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
		log:      c.log,
	}

	for _, topic := range topics {
		if err := c.ensureStream(ctx, topic); err != nil {
			_ = sub.Close()
			return nil, err
		}

		cfg := jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{topic},
			DeliverPolicy:  jetstream.DeliverNewPolicy,
		}
		if start, ok := policy.StartOffset(topic); ok {
			cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			cfg.OptStartSeq = uint64(start) + 1
		}

		consumer, err := c.js.OrderedConsumer(ctx, streamName(topic), cfg)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("%w: creating consumer for %s: %w", sal.ErrTransport, topic, err)
		}
		cc, err := consumer.Consume(sub.handle, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			sub.pushErr(err)
		}))
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("%w: consuming %s: %w", sal.ErrTransport, topic, err)
		}
		sub.consumers = append(sub.consumers, cc)
	}
	return sub, nil
}

// Close implements broker.Client.
func (c *Client) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("%w: draining connection: %w", sal.ErrTransport, err)
	}
	return nil
}

type subscription struct {
	consumers []jetstream.ConsumeContext
	messages  chan *broker.Message
	errs      chan error
	done      chan struct{}
	once      sync.Once
	log       *zap.SugaredLogger
}

func (s *subscription) handle(msg jetstream.Msg) {
	md, err := msg.Metadata()
	if err != nil {
		s.pushErr(fmt.Errorf("reading metadata: %w", err))
		return
	}
	m := &broker.Message{
		Topic:     msg.Subject(),
		Offset:    int64(md.Sequence.Stream) - 1,
		Value:     msg.Data(),
		Timestamp: md.Timestamp,
	}
	select {
	case s.messages <- m:
	case <-s.done:
	}
}

func (s *subscription) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
		s.log.Warnf("Dropping consumer error: %v", err)
	}
}

// Poll implements broker.Subscription.
func (s *subscription) Poll(ctx context.Context) (*broker.Message, error) {
	select {
	case msg := <-s.messages:
		return msg, nil
	case err := <-s.errs:
		return nil, fmt.Errorf("%w: %w", sal.ErrTransport, err)
	case <-s.done:
		return nil, fmt.Errorf("%w: %w", sal.ErrTransport, broker.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements broker.Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		for _, cc := range s.consumers {
			cc.Stop()
		}
		close(s.done)
	})
	return nil
}
