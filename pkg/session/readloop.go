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

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/codec"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
)

// decodeLogEvery is how often a decode failure of the same topic is logged.
const decodeLogEvery = 10

type stampKey struct {
	topic string
	index int
}

// readLoop turns broker messages into samples and hands them to the readers.
// It runs in a single goroutine, so its maps need no lock.
type readLoop struct {
	session *Session
	readers map[string]*topic.ReadTopic
	log     *zap.SugaredLogger

	// history maps a topic still loading its history to the offset of its last historical message.
	history map[string]int64
	// pending holds the newest historical samples of a topic until its history is complete.
	pending map[string][]*sal.Sample

	lastStamp    map[stampKey]time.Time
	decodeErrors map[string]*rate.Sometimes
}

func newReadLoop(s *Session, readers map[string]*topic.ReadTopic, history map[string]int64) *readLoop {
	return &readLoop{
		session:      s,
		readers:      readers,
		log:          logger.For(logger.ComponentReadLoop).With("component", s.info.Name, "index", s.index),
		history:      history,
		pending:      make(map[string][]*sal.Sample),
		lastStamp:    make(map[stampKey]time.Time),
		decodeErrors: make(map[string]*rate.Sometimes),
	}
}

func (l *readLoop) run(ctx context.Context, sub broker.Subscription) {
	defer l.session.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sentry.ReportTaskError(l.log, l.session.info.Name, "read loop", fmt.Errorf("read loop panicked: %v", r))
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	sequentialErrors := 0
	for {
		msg, err := sub.Poll(ctx)
		if ctx.Err() != nil {
			l.log.Debug("Read loop finished")
			return
		}
		if err != nil {
			sequentialErrors++
			if sequentialErrors >= MaxSequentialReadErrors {
				metrics.IncErrorCount(l.session.info.Name, "poll")
				sentry.ReportIssueWithContext(err, sentry.IssueTypeError, l.log, map[string]interface{}{
					"component": l.session.info.Name,
					"operation": "poll",
					"attempts":  sequentialErrors,
				})
			} else {
				l.log.Warnf("Polling the broker failed: %v", err)
			}
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		if sequentialErrors > 0 {
			l.log.Infof("Polling recovered after %d errors", sequentialErrors)
			sequentialErrors = 0
			bo.Reset()
		}
		l.handle(msg)
	}
}

// handle processes one message. Malformed messages are dropped but still count for history bookkeeping.
func (l *readLoop) handle(msg *broker.Message) {
	rt, ok := l.readers[msg.Topic]
	if !ok {
		l.log.Debugf("Ignoring message of unexpected topic %s", msg.Topic)
		return
	}
	info := rt.Info()

	s, err := codec.Decode(info, msg.Value)
	if err != nil {
		metrics.IncSamplesDropped(info.String(), "decode")
		l.decodeThrottle(msg.Topic).Do(func() {
			l.log.Errorf("Failed to decode a sample of %s at offset %d (logged every %d failures): %v",
				info, msg.Offset, decodeLogEvery, err)
		})
		s = nil
	} else if l.session.info.Indexed && l.session.index != 0 && s.SalIndex != l.session.index {
		metrics.IncSamplesDropped(info.String(), "index")
		s = nil
	} else {
		s = s.WithReceived(time.Now())
	}

	last, loading := l.history[msg.Topic]
	if !loading {
		if s != nil && !l.stale(info.String(), msg.Topic, s) {
			rt.Deliver(s)
		}
		return
	}

	if s != nil {
		l.lastStamp[stampKey{msg.Topic, s.SalIndex}] = s.SndStamp
		buf := append(l.pending[msg.Topic], s)
		if depth := rt.MaxHistory(); len(buf) > depth {
			buf = buf[len(buf)-depth:]
		}
		l.pending[msg.Topic] = buf
	}
	if msg.Offset < last {
		return
	}

	for _, hs := range l.pending[msg.Topic] {
		rt.Deliver(hs)
	}
	l.log.Debugf("Loaded %d historical samples of %s", len(l.pending[msg.Topic]), info)
	delete(l.pending, msg.Topic)
	delete(l.history, msg.Topic)
	rt.MarkReady()
}

// stale reports whether s was sent before the last sample of the same topic and index.
func (l *readLoop) stale(name, topicName string, s *sal.Sample) bool {
	key := stampKey{topicName, s.SalIndex}
	if prev, ok := l.lastStamp[key]; ok && s.SndStamp.Before(prev) {
		metrics.IncSamplesDropped(name, "stale")
		l.log.Warnf("Ignoring old sample of %s:%d sent %s before the last one", name, s.SalIndex, prev.Sub(s.SndStamp))
		return true
	}
	l.lastStamp[key] = s.SndStamp
	return false
}

func (l *readLoop) decodeThrottle(topicName string) *rate.Sometimes {
	st, ok := l.decodeErrors[topicName]
	if !ok {
		st = &rate.Sometimes{Every: decodeLogEvery}
		l.decodeErrors[topicName] = st
	}
	return st
}
