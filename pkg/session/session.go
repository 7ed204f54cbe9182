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

// Package session binds one component (name and index) to its read and write topics
// and runs the broker read loop that feeds them.
package session

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/command"
	"github.com/united-manufacturing-hub/salbus/pkg/env"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

const (
	// DefaultTopicPrefix is used when neither Options nor SALBUS_TOPIC_PREFIX name one.
	DefaultTopicPrefix = "sal"

	// MaxSequentialReadErrors is how many poll errors in a row are tolerated before they are reported.
	MaxSequentialReadErrors = 2

	// IndexedHistoryDepth is how far back an indexed component looks for its history,
	// since samples of other indices share the topic.
	IndexedHistoryDepth = 100
)

// Options configure a session.
type Options struct {
	// Index of the component; 0 reads every index of an indexed component.
	Index int
	// Identity written into every sample; user@host when empty.
	Identity string
	// TopicPrefix is the first part of every broker topic name.
	TopicPrefix string
	// Origin of every sample; random when 0.
	Origin int64
}

// Session owns the readers and writers of one component and the subscription that feeds the readers.
type Session struct {
	info     *topicinfo.ComponentInfo
	client   broker.Client
	index    int
	identity string
	origin   int64
	prefix   string
	log      *zap.SugaredLogger
	tracker  *command.Tracker

	mu      sync.Mutex
	readers map[string]*topic.ReadTopic
	writers map[string]*topic.WriteTopic
	started bool
	closed  bool

	sub    broker.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a session for the component described by info, publishing and reading through client.
// The client is shared and not closed by the session.
func New(info *topicinfo.ComponentInfo, client broker.Client, opts Options) (*Session, error) {
	if opts.Index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", sal.ErrInvalidArgument, opts.Index)
	}
	if !info.Indexed && opts.Index != 0 {
		return nil, fmt.Errorf("%w: %s is not indexed but index %d was given", sal.ErrInvalidArgument, info.Name, opts.Index)
	}

	prefix := opts.TopicPrefix
	if prefix == "" {
		var err error
		prefix, err = env.GetAsString("SALBUS_TOPIC_PREFIX", false, DefaultTopicPrefix)
		if err != nil {
			return nil, err
		}
	}
	identity := opts.Identity
	if identity == "" {
		identity = defaultIdentity()
	}
	origin := opts.Origin
	if origin == 0 {
		origin = int64(uuid.New().ID())
	}

	log := logger.For(logger.ComponentSession).With("component", info.Name, "index", opts.Index)
	return &Session{
		info:     info,
		client:   client,
		index:    opts.Index,
		identity: identity,
		origin:   origin,
		prefix:   prefix,
		log:      log,
		tracker:  command.NewTracker(identity, origin, logger.For(logger.ComponentTracker)),
		readers:  make(map[string]*topic.ReadTopic),
		writers:  make(map[string]*topic.WriteTopic),
	}, nil
}

func defaultIdentity() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return name + "@" + host
}

// Info returns the component description.
func (s *Session) Info() *topicinfo.ComponentInfo { return s.info }

// Index returns the component index.
func (s *Session) Index() int { return s.index }

// Identity returns the identity written into samples.
func (s *Session) Identity() string { return s.identity }

// Origin returns the origin written into samples.
func (s *Session) Origin() int64 { return s.origin }

// TopicPrefix returns the prefix of broker topic names.
func (s *Session) TopicPrefix() string { return s.prefix }

// Tracker returns the table of commands issued through this session.
func (s *Session) Tracker() *command.Tracker { return s.tracker }

// Log returns the session logger.
func (s *Session) Log() *zap.SugaredLogger { return s.log }

// AddReader creates the reader of a topic. It fails after Start and for a topic already read.
func (s *Session) AddReader(info *topicinfo.TopicInfo, cfg topic.ReadConfig) (*topic.ReadTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return nil, fmt.Errorf("%w: cannot add reader %s after start", sal.ErrProtocolViolation, info)
	}
	name := info.BrokerTopic(s.prefix)
	if _, dup := s.readers[name]; dup {
		return nil, fmt.Errorf("%w: %s already has a reader", sal.ErrInvalidArgument, info)
	}
	rt, err := topic.NewReadTopic(info, cfg, logger.For(logger.ComponentTopic))
	if err != nil {
		return nil, err
	}
	s.readers[name] = rt
	return rt, nil
}

// Reader returns the reader of a topic, if one was added.
func (s *Session) Reader(info *topicinfo.TopicInfo) (*topic.ReadTopic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.readers[info.BrokerTopic(s.prefix)]
	return rt, ok
}

// AddWriter returns the writer of a topic, creating it on first use.
func (s *Session) AddWriter(info *topicinfo.TopicInfo) (*topic.WriteTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: session of %s is closed", sal.ErrProtocolViolation, s.info.Name)
	}
	name := info.BrokerTopic(s.prefix)
	if wt, ok := s.writers[name]; ok {
		return wt, nil
	}
	wt := topic.NewWriteTopic(info, s.client, topic.Writer{
		Identity:    s.identity,
		Origin:      s.origin,
		SalIndex:    s.index,
		TopicPrefix: s.prefix,
	}, logger.For(logger.ComponentTopic))
	s.writers[name] = wt
	return wt, nil
}

// AddController makes the session answer a command: an exclusive reader on the command topic
// plus the shared ackcmd writer.
func (s *Session) AddController(name string, allowConcurrent bool) (*command.Controller, error) {
	info, err := s.info.Command(name)
	if err != nil {
		return nil, err
	}
	cmdType, _ := s.info.CmdType(name)
	rt, err := s.AddReader(info, topic.ReadConfig{ExclusiveCallback: true, AllowMultipleCallbacks: allowConcurrent})
	if err != nil {
		return nil, err
	}
	acks, err := s.AddWriter(s.info.AckCmd())
	if err != nil {
		return nil, err
	}
	return command.NewController(info, cmdType, rt, acks, logger.For(logger.ComponentCommand)), nil
}

// AddRemote lets the session issue a command. The ackcmd reader feeding the tracker is added on first use.
func (s *Session) AddRemote(name string) (*command.Remote, error) {
	info, err := s.info.Command(name)
	if err != nil {
		return nil, err
	}
	cmdType, _ := s.info.CmdType(name)
	if _, ok := s.Reader(s.info.AckCmd()); !ok {
		rt, err := s.AddReader(s.info.AckCmd(), topic.ReadConfig{ExclusiveCallback: true})
		if err != nil {
			return nil, err
		}
		rt.SetCallback(s.tracker.HandleAck)
	}
	wt, err := s.AddWriter(info)
	if err != nil {
		return nil, err
	}
	return command.NewRemote(info, cmdType, wt, s.tracker, logger.For(logger.ComponentCommand)), nil
}

// Start creates the topics, subscribes, starts the read loop and waits until every reader
// has loaded its history or ctx ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session of %s already started", sal.ErrProtocolViolation, s.info.Name)
	}
	s.started = true
	readers := make(map[string]*topic.ReadTopic, len(s.readers))
	for name, rt := range s.readers {
		readers[name] = rt
	}
	names := make([]string, 0, len(s.readers)+len(s.writers))
	for name := range s.readers {
		names = append(names, name)
	}
	for name := range s.writers {
		if _, ok := s.readers[name]; !ok {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	started := time.Now()
	if err := s.client.CreateTopics(ctx, names); err != nil {
		return fmt.Errorf("creating topics of %s: %w", s.info.Name, err)
	}

	if len(readers) == 0 {
		return nil
	}

	policy, hist, err := s.startOffsets(ctx, readers)
	if err != nil {
		return err
	}

	topics := make([]string, 0, len(readers))
	for name := range readers {
		topics = append(topics, name)
	}
	sort.Strings(topics)
	sub, err := s.client.Subscribe(ctx, topics, policy)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.info.Name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()

	loop := newReadLoop(s, readers, hist)
	s.wg.Add(1)
	go loop.run(loopCtx, sub)

	for name, rt := range readers {
		select {
		case <-rt.Ready():
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for the history of %s: %w", sal.ErrTimeout, name, ctx.Err())
		}
	}
	s.log.Infof("Started %d readers in %s", len(readers), time.Since(started).Round(time.Millisecond))
	return nil
}

// startOffsets reads the watermarks of every reader topic in parallel. A topic with history starts
// at max(low, high-depth) and its reader stays unready until the sample at high-1 was read.
// Every other topic starts at high.
func (s *Session) startOffsets(ctx context.Context, readers map[string]*topic.ReadTopic) (broker.OffsetPolicy, map[string]int64, error) {
	type marks struct{ low, high int64 }
	var mu sync.Mutex
	all := make(map[string]marks, len(readers))

	g, gctx := errgroup.WithContext(ctx)
	for name := range readers {
		g.Go(func() error {
			low, high, err := s.client.WatermarkOffsets(gctx, name)
			if err != nil {
				return fmt.Errorf("reading watermarks of %s: %w", name, err)
			}
			mu.Lock()
			all[name] = marks{low, high}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return broker.OffsetPolicy{}, nil, err
	}

	policy := broker.OffsetPolicy{StartOffsets: make(map[string]int64, len(readers))}
	hist := make(map[string]int64)
	for name, rt := range readers {
		m := all[name]
		depth := int64(rt.MaxHistory())
		if depth == 0 || m.high <= m.low {
			policy.StartOffsets[name] = m.high
			rt.MarkReady()
			continue
		}
		if s.info.Indexed && s.index != 0 {
			depth = max(depth, IndexedHistoryDepth)
		}
		policy.StartOffsets[name] = max(m.low, m.high-depth)
		hist[name] = m.high - 1
		s.log.Debugf("Reading history of %s from offset %d to %d", name, policy.StartOffsets[name], m.high-1)
	}
	return policy, hist, nil
}

// Close aborts the commands still waiting for acks, stops the read loop and closes every reader.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub, cancel := s.sub, s.cancel
	readers := make([]*topic.ReadTopic, 0, len(s.readers))
	for _, rt := range s.readers {
		readers = append(readers, rt)
	}
	s.mu.Unlock()

	s.tracker.AbortAll("session closed")
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	for _, rt := range readers {
		rt.Close()
	}
	return err
}
