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

// Package kafka implements broker.Client on top of IBM/sarama.
// Every topic has one partition; offsets are those of partition 0.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

const partition int32 = 0

// Options configures the sarama client.
type Options struct {
	Brokers           []string
	ClientID          string
	ReplicationFactor int16
	// ConnectTimeout bounds the retries while the cluster is not reachable yet.
	ConnectTimeout time.Duration
}

// Client is a broker.Client backed by a sarama client, a sync producer and a cluster admin.
type Client struct {
	opts     Options
	config   *sarama.Config
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	log      *zap.SugaredLogger

	open      atomic.Bool
	topicsMu  sync.Mutex
	topicSeen map[string]bool
}

// NewClient connects to the cluster, retrying with exponential backoff until ConnectTimeout.
func NewClient(opts Options) (*Client, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers configured", sal.ErrInvalidArgument)
	}
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	config := sarama.NewConfig()
	if opts.ClientID != "" {
		config.ClientID = opts.ClientID
	}
	config.Version = sarama.V2_3_0_0
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Partitioner = sarama.NewManualPartitioner
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = false
	config.Consumer.Return.Errors = true

	c := &Client{
		opts:      opts,
		config:    config,
		log:       logger.For(logger.ComponentKafkaBroker),
		topicSeen: make(map[string]bool),
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = opts.ConnectTimeout
	err := backoff.Retry(func() error {
		var err error
		c.client, err = sarama.NewClient(opts.Brokers, config)
		if err != nil {
			c.log.Warnf("Failed to connect to %v: %v", opts.Brokers, err)
		}
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to kafka: %w", sal.ErrTransport, err)
	}

	c.producer, err = sarama.NewSyncProducerFromClient(c.client)
	if err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("%w: creating producer: %w", sal.ErrTransport, err)
	}
	c.admin, err = sarama.NewClusterAdminFromClient(c.client)
	if err != nil {
		_ = c.producer.Close()
		_ = c.client.Close()
		return nil, fmt.Errorf("%w: creating admin client: %w", sal.ErrTransport, err)
	}

	c.open.Store(true)
	return c, nil
}

// Publish implements broker.Client.
func (c *Client) Publish(ctx context.Context, topic string, value []byte) (int64, error) {
	if !c.open.Load() {
		return 0, fmt.Errorf("%w: %w", sal.ErrTransport, broker.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	_, offset, err := c.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Partition: partition,
		Value:     sarama.ByteEncoder(value),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: publishing to %s: %w", sal.ErrTransport, topic, err)
	}
	return offset, nil
}

// WatermarkOffsets implements broker.Client.
func (c *Client) WatermarkOffsets(ctx context.Context, topic string) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	exists, err := c.topicExists(topic)
	if err != nil {
		return 0, 0, err
	}
	if !exists {
		return 0, 0, nil
	}

	low, err := c.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading low watermark of %s: %w", sal.ErrTransport, topic, err)
	}
	high, err := c.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading high watermark of %s: %w", sal.ErrTransport, topic, err)
	}
	return low, high, nil
}

func (c *Client) topicExists(topic string) (bool, error) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()

	if c.topicSeen[topic] {
		return true, nil
	}
	topics, err := c.admin.ListTopics()
	if err != nil {
		return false, fmt.Errorf("%w: listing topics: %w", sal.ErrTransport, err)
	}
	for name := range topics {
		c.topicSeen[name] = true
	}
	return c.topicSeen[topic], nil
}

// CreateTopics implements broker.Client.
func (c *Client) CreateTopics(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := c.topicExists(topic)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		err = c.admin.CreateTopic(topic, &sarama.TopicDetail{
			NumPartitions:     1,
			ReplicationFactor: c.opts.ReplicationFactor,
		}, false)
		if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return fmt.Errorf("%w: creating topic %s: %w", sal.ErrTransport, topic, err)
		}
		c.topicsMu.Lock()
		c.topicSeen[topic] = true
		c.topicsMu.Unlock()
		c.log.Debugf("Created topic %s", topic)
	}

	// Metadata for new topics is not always visible right away.
	if err := c.client.RefreshMetadata(topics...); err != nil {
		c.log.Debugf("Refreshing metadata: %v", err)
	}
	return nil
}

// Subscribe implements broker.Client. Each subscription is its own consumer group,
// so every session receives every message.
func (c *Client) Subscribe(ctx context.Context, topics []string, policy broker.OffsetPolicy) (broker.Subscription, error) {
	if !c.open.Load() {
		return nil, fmt.Errorf("%w: %w", sal.ErrTransport, broker.ErrClosed)
	}

	groupID := fmt.Sprintf("salbus-%s", uuid.New().String())
	group, err := sarama.NewConsumerGroupFromClient(groupID, c.client)
	if err != nil {
		return nil, fmt.Errorf("%w: creating consumer group: %w", sal.ErrTransport, err)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		group:    group,
		cancel:   cancel,
		messages: make(chan *broker.Message, 256),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
		log:      c.log.With("group", groupID),
	}
	handler := &groupHandler{
		policy:   policy,
		messages: sub.messages,
		ready:    make(chan struct{}),
	}

	go sub.consume(consumeCtx, topics, handler)

	select {
	case <-handler.ready:
		return sub, nil
	case err := <-sub.errs:
		_ = sub.Close()
		return nil, fmt.Errorf("%w: joining consumer group: %w", sal.ErrTransport, err)
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	}
}

// Close implements broker.Client.
func (c *Client) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	var errs []error
	if err := c.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.admin.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	if err := c.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type subscription struct {
	group    sarama.ConsumerGroup
	cancel   context.CancelFunc
	messages chan *broker.Message
	errs     chan error
	done     chan struct{}
	log      *zap.SugaredLogger
	once     sync.Once
}

func (s *subscription) consume(ctx context.Context, topics []string, handler *groupHandler) {
	defer close(s.done)

	go func() {
		for err := range s.group.Errors() {
			s.pushErr(err)
		}
	}()

	for {
		// Consume returns on every rebalance and has to be called again.
		if err := s.group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.pushErr(err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return
		}
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
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.group.Close()
		<-s.done
	})
	return err
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	policy    broker.OffsetPolicy
	messages  chan<- *broker.Message
	ready     chan struct{}
	readyOnce sync.Once
}

// Setup moves the fresh group to the requested start offsets before claims start.
// MarkOffset only moves forward, which is enough because a new group has no committed offset.
func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	for topic, partitions := range sess.Claims() {
		start, ok := h.policy.StartOffset(topic)
		if !ok {
			continue
		}
		for _, p := range partitions {
			sess.MarkOffset(topic, p, start, "")
		}
	}
	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

// Cleanup is called at the end of a session.
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim forwards the messages of one claim until the session ends.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			m := &broker.Message{
				Topic:     msg.Topic,
				Offset:    msg.Offset,
				Value:     msg.Value,
				Timestamp: msg.Timestamp,
			}
			select {
			case h.messages <- m:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}
