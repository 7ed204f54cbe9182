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

// Package broker defines the narrow interface the bus needs from a message broker,
// plus an in-memory implementation used by tests and single-process deployments.
package broker

import (
	"context"
	"time"
)

// Message is one record read from a broker topic.
type Message struct {
	Topic     string
	Offset    int64
	Value     []byte
	Timestamp time.Time
}

// OffsetPolicy selects where a subscription starts reading each topic.
// Topics without an entry in StartOffsets only receive messages published after Subscribe returns.
type OffsetPolicy struct {
	StartOffsets map[string]int64
}

// OnlyNew is the policy that replays nothing.
func OnlyNew() OffsetPolicy {
	return OffsetPolicy{}
}

// StartOffset returns the first offset to read from topic and whether one was set.
func (p OffsetPolicy) StartOffset(topic string) (int64, bool) {
	off, ok := p.StartOffsets[topic]
	return off, ok
}

// Subscription delivers messages of the subscribed topics. Messages of one topic arrive in offset order.
type Subscription interface {
	// Poll blocks until a message is available or ctx ends. On ctx end it returns ctx.Err().
	Poll(ctx context.Context) (*Message, error)
	Close() error
}

// Client is a broker connection shared by the readers and writers of a session.
type Client interface {
	// Publish appends value to topic and returns its offset once the broker accepted it.
	Publish(ctx context.Context, topic string, value []byte) (int64, error)
	// Subscribe starts a private subscription. The subscription must not miss any message
	// published after Subscribe returns.
	Subscribe(ctx context.Context, topics []string, policy OffsetPolicy) (Subscription, error)
	// WatermarkOffsets returns the offset of the oldest retained message and the offset the next
	// message will get. Both are 0 for a topic that does not exist yet.
	WatermarkOffsets(ctx context.Context, topic string) (low, high int64, err error)
	// CreateTopics creates the topics that do not exist yet.
	CreateTopics(ctx context.Context, topics []string) error
	Close() error
}
