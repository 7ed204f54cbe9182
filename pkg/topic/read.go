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

package topic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/env"
	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// writerCacheSize bounds the number of writers whose last sequence number is remembered.
const writerCacheSize = 128

// Callback receives samples pushed by a ReadTopic.
type Callback func(ctx context.Context, s *sal.Sample) error

// ReadConfig configures a ReadTopic.
type ReadConfig struct {
	// QueueLen bounds the pull queue and the callback backlog; 0 means SALBUS_QUEUE_LEN,
	// or sal.DefaultQueueLen when that is unset.
	QueueLen int
	// MaxHistory is the number of prior samples replayed on start; must be 0 for volatile topics.
	MaxHistory int
	// ExclusiveCallback makes Next, GetOldest and Flush fail while a callback is set.
	ExclusiveCallback bool
	// AllowMultipleCallbacks runs each callback in its own goroutine instead of one at a time.
	AllowMultipleCallbacks bool
}

// ReadTopic queues the samples of one topic for the application.
// Samples can be pulled with Next or pushed to a callback; both are fed by the same enqueue step.
type ReadTopic struct {
	info    *topicinfo.TopicInfo
	cfg     ReadConfig
	log     *zap.SugaredLogger
	monitor *QueueCapacityMonitor
	writers *lru.Cache[string, int64]

	mu       sync.Mutex
	queue    []*sal.Sample
	current  *sal.Sample
	notify   chan struct{}
	callback Callback
	backlog  []*sal.Sample
	cbNotify chan struct{}
	closed   bool

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReadTopic returns a ReadTopic and starts its callback dispatcher. Close stops it.
func NewReadTopic(info *topicinfo.TopicInfo, cfg ReadConfig, log *zap.SugaredLogger) (*ReadTopic, error) {
	if cfg.QueueLen == 0 {
		cfg.QueueLen, _ = env.GetAsInt("SALBUS_QUEUE_LEN", false, sal.DefaultQueueLen) //nolint:errcheck
	}
	if cfg.MaxHistory < 0 || cfg.MaxHistory > cfg.QueueLen {
		return nil, fmt.Errorf("%w: %s: max history %d must be in [0, %d]", sal.ErrInvalidArgument, info, cfg.MaxHistory, cfg.QueueLen)
	}
	if info.Volatile() && cfg.MaxHistory != 0 {
		return nil, fmt.Errorf("%w: %s keeps no history, max history must be 0", sal.ErrInvalidArgument, info)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("topic", info.String())

	monitor, err := NewQueueCapacityMonitor(fmt.Sprintf("%s read queue", info), cfg.QueueLen, log)
	if err != nil {
		return nil, err
	}
	writers, err := lru.New[string, int64](writerCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &ReadTopic{
		info:     info,
		cfg:      cfg,
		log:      log,
		monitor:  monitor,
		writers:  writers,
		notify:   make(chan struct{}),
		cbNotify: make(chan struct{}),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxHistory == 0 {
		rt.MarkReady()
	}

	rt.wg.Add(1)
	go rt.dispatch()
	return rt, nil
}

// Info returns the topic description.
func (rt *ReadTopic) Info() *topicinfo.TopicInfo { return rt.info }

// MaxHistory returns the number of prior samples replayed on start.
func (rt *ReadTopic) MaxHistory() int { return rt.cfg.MaxHistory }

// Monitor returns the capacity monitor of the topic.
func (rt *ReadTopic) Monitor() *QueueCapacityMonitor { return rt.monitor }

// Ready is closed once the historical samples were loaded.
func (rt *ReadTopic) Ready() <-chan struct{} { return rt.ready }

// MarkReady closes Ready; the session calls it when history replay is done.
func (rt *ReadTopic) MarkReady() {
	rt.readyOnce.Do(func() { close(rt.ready) })
}

// Deliver enqueues a sample read from the broker. Samples that are not newer than the last
// sample of the same writer are dropped. It reports whether the sample was queued.
func (rt *ReadTopic) Deliver(s *sal.Sample) bool {
	key := s.WriterKey()
	if last, ok := rt.writers.Get(key); ok && !isNewer(s.SeqNum, last) {
		metrics.IncSamplesDropped(rt.info.String(), "duplicate")
		rt.log.Debugf("Dropping duplicate sample %d from %s; last seen %d", s.SeqNum, key, last)
		return false
	}
	rt.writers.Add(key, s.SeqNum)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return false
	}

	rt.current = s
	rt.queue = append(rt.queue, s)
	if len(rt.queue) > rt.cfg.QueueLen {
		rt.queue = rt.queue[1:]
		metrics.IncSamplesDropped(rt.info.String(), "overflow")
	}
	close(rt.notify)
	rt.notify = make(chan struct{})

	depth := len(rt.queue)
	if rt.callback != nil {
		rt.backlog = append(rt.backlog, s)
		if len(rt.backlog) > rt.cfg.QueueLen {
			rt.backlog = rt.backlog[1:]
			metrics.IncSamplesDropped(rt.info.String(), "overflow")
		}
		close(rt.cbNotify)
		rt.cbNotify = make(chan struct{})
		depth = len(rt.backlog)
	}

	rt.monitor.CheckNItems(depth)
	metrics.IncSamplesRead(rt.info.String())
	metrics.SetQueueDepth(rt.info.String(), depth)
	return true
}

// isNewer compares sequence numbers of one writer, allowing for the wrap after MaxSeqNum.
func isNewer(seq, last int64) bool {
	if seq > last {
		return true
	}
	return last-seq > sal.MaxSeqNum/2
}

// Get returns the newest sample ever received, or nil. It never removes anything.
func (rt *ReadTopic) Get() *sal.Sample {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.current
}

// HasData reports whether any sample was ever received.
func (rt *ReadTopic) HasData() bool {
	return rt.Get() != nil
}

// NQueued returns the number of samples waiting for Next.
func (rt *ReadTopic) NQueued() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.queue)
}

func (rt *ReadTopic) checkPullLocked() error {
	if rt.cfg.ExclusiveCallback && rt.callback != nil {
		return fmt.Errorf("%w: %s has a callback; samples cannot be pulled", sal.ErrProtocolViolation, rt.info)
	}
	return nil
}

// Next pulls the oldest queued sample, waiting until one arrives or ctx ends.
// With flush set, all but the newest queued sample are discarded first.
func (rt *ReadTopic) Next(ctx context.Context, flush bool) (*sal.Sample, error) {
	for {
		rt.mu.Lock()
		if err := rt.checkPullLocked(); err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		if flush && len(rt.queue) > 1 {
			rt.queue = rt.queue[len(rt.queue)-1:]
		}
		flush = false
		if len(rt.queue) > 0 {
			s := rt.queue[0]
			rt.queue = rt.queue[1:]
			metrics.SetQueueDepth(rt.info.String(), len(rt.queue))
			rt.mu.Unlock()
			return s, nil
		}
		if rt.closed {
			rt.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is closed", sal.ErrProtocolViolation, rt.info)
		}
		notify := rt.notify
		rt.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, waitError(ctx, rt.info.String())
		}
	}
}

// waitError turns an ended context into ErrTimeout, keeping explicit cancellation distinguishable.
func waitError(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: waiting for %s: %w", sal.ErrTimeout, what, ctx.Err())
}

// GetOldest pops the oldest queued sample without waiting; nil if the queue is empty.
func (rt *ReadTopic) GetOldest() (*sal.Sample, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.checkPullLocked(); err != nil {
		return nil, err
	}
	if len(rt.queue) == 0 {
		return nil, nil
	}
	s := rt.queue[0]
	rt.queue = rt.queue[1:]
	return s, nil
}

// Flush discards all queued samples.
func (rt *ReadTopic) Flush() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.checkPullLocked(); err != nil {
		return err
	}
	rt.queue = nil
	metrics.SetQueueDepth(rt.info.String(), 0)
	return nil
}

// SetCallback installs cb, or removes the callback when cb is nil.
// Samples queued for a previous callback are dropped; an exclusive callback also flushes the pull queue.
func (rt *ReadTopic) SetCallback(cb Callback) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.callback = cb
	rt.backlog = nil
	if cb != nil && rt.cfg.ExclusiveCallback {
		rt.queue = nil
	}
}

// HasCallback reports whether a callback is set.
func (rt *ReadTopic) HasCallback() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.callback != nil
}

func (rt *ReadTopic) dispatch() {
	defer rt.wg.Done()

	for {
		rt.mu.Lock()
		if len(rt.backlog) == 0 || rt.callback == nil {
			notify := rt.cbNotify
			rt.mu.Unlock()
			select {
			case <-notify:
				continue
			case <-rt.ctx.Done():
				return
			}
		}
		s := rt.backlog[0]
		rt.backlog = rt.backlog[1:]
		cb := rt.callback
		rt.mu.Unlock()

		if rt.cfg.AllowMultipleCallbacks {
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				rt.runCallback(cb, s)
			}()
			continue
		}
		rt.runCallback(cb, s)
	}
}

func (rt *ReadTopic) runCallback(cb Callback, s *sal.Sample) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncErrorCount(rt.info.String(), "callback")
			sentry.ReportTaskError(rt.log, rt.info.String(), "callback", fmt.Errorf("callback panicked: %v", r))
		}
	}()

	err := cb(rt.ctx, s)
	switch {
	case err == nil:
	case sal.IsExpectedError(err) || errors.Is(err, context.Canceled):
		rt.log.Warnf("Callback failed on sample %d: %v", s.SeqNum, err)
	default:
		metrics.IncErrorCount(rt.info.String(), "callback")
		sentry.ReportTaskError(rt.log, rt.info.String(), "callback", err)
	}
}

// Close stops the dispatcher and waits for running callbacks. Pending Next calls fail.
func (rt *ReadTopic) Close() {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	rt.callback = nil
	rt.backlog = nil
	close(rt.notify)
	rt.notify = make(chan struct{})
	rt.mu.Unlock()

	rt.cancel()
	rt.wg.Wait()
	rt.MarkReady()
}
