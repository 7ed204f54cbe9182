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

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// DefaultRetention is the number of messages a memory topic keeps.
const DefaultRetention = 1000

// ErrClosed is returned by a closed client or subscription.
var ErrClosed = errors.New("broker closed")

type memTopic struct {
	low  int64
	msgs []Message
	subs map[*memSubscription]struct{}
}

// Memory is an in-process broker. Topics are created on first use.
type Memory struct {
	mu        sync.Mutex
	topics    map[string]*memTopic
	retention int
	closed    bool
	log       *zap.SugaredLogger

	pollErrs  int
	pollErr   error
	publishFn func(topic string) error
}

// NewMemory returns an empty in-memory broker keeping retention messages per topic.
func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		topics:    make(map[string]*memTopic),
		retention: retention,
		log:       logger.For(logger.ComponentMemoryBroker),
	}
}

// FailNextPolls makes the next n polls of any subscription fail with err.
func (m *Memory) FailNextPolls(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErrs = n
	m.pollErr = err
}

// SetPublishHook installs a function that can veto publishes; used to simulate broker outages.
func (m *Memory) SetPublishHook(fn func(topic string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishFn = fn
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{subs: make(map[*memSubscription]struct{})}
		m.topics[name] = t
	}
	return t
}

// Publish implements Client.
func (m *Memory) Publish(ctx context.Context, topic string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("%w: %w", sal.ErrTransport, ErrClosed)
	}
	if m.publishFn != nil {
		if err := m.publishFn(topic); err != nil {
			return 0, fmt.Errorf("%w: publishing to %s: %w", sal.ErrTransport, topic, err)
		}
	}

	t := m.topic(topic)
	msg := Message{
		Topic:     topic,
		Offset:    t.low + int64(len(t.msgs)),
		Value:     append([]byte(nil), value...),
		Timestamp: time.Now(),
	}
	t.msgs = append(t.msgs, msg)
	if len(t.msgs) > m.retention {
		drop := len(t.msgs) - m.retention
		t.msgs = append([]Message(nil), t.msgs[drop:]...)
		t.low += int64(drop)
	}

	for sub := range t.subs {
		sub.push(msg)
	}
	return msg.Offset, nil
}

// Subscribe implements Client. History and registration happen under one lock,
// so nothing published concurrently is lost or delivered twice.
func (m *Memory) Subscribe(ctx context.Context, topics []string, policy OffsetPolicy) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: %w", sal.ErrTransport, ErrClosed)
	}

	sub := &memSubscription{broker: m, notify: make(chan struct{})}
	for _, name := range topics {
		t := m.topic(name)
		if start, ok := policy.StartOffset(name); ok {
			for _, msg := range t.msgs {
				if msg.Offset >= start {
					sub.pending = append(sub.pending, msg)
				}
			}
		}
		t.subs[sub] = struct{}{}
		sub.topics = append(sub.topics, name)
	}
	m.log.Debugw("Subscribed", "topics", topics, "replayed", len(sub.pending))
	return sub, nil
}

// WatermarkOffsets implements Client.
func (m *Memory) WatermarkOffsets(ctx context.Context, topic string) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.topics[topic]
	if !ok {
		return 0, 0, nil
	}
	return t.low, t.low + int64(len(t.msgs)), nil
}

// CreateTopics implements Client.
func (m *Memory) CreateTopics(ctx context.Context, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range topics {
		m.topic(name)
	}
	return nil
}

// Close implements Client. Open subscriptions fail their next poll.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		for sub := range t.subs {
			sub.shutdown()
		}
		t.subs = nil
	}
	return nil
}

func (m *Memory) takePollError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollErrs == 0 {
		return nil
	}
	m.pollErrs--
	return m.pollErr
}

func (m *Memory) unsubscribe(sub *memSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range sub.topics {
		if t, ok := m.topics[name]; ok && t.subs != nil {
			delete(t.subs, sub)
		}
	}
}

type memSubscription struct {
	broker *Memory
	topics []string

	mu      sync.Mutex
	pending []Message
	notify  chan struct{}
	closed  bool
}

func (s *memSubscription) push(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, msg)
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *memSubscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Poll implements Subscription.
func (s *memSubscription) Poll(ctx context.Context) (*Message, error) {
	if err := s.broker.takePollError(); err != nil {
		return nil, fmt.Errorf("%w: %w", sal.ErrTransport, err)
	}

	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return &msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", sal.ErrTransport, ErrClosed)
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements Subscription.
func (s *memSubscription) Close() error {
	s.broker.unsubscribe(s)
	s.shutdown()
	return nil
}
