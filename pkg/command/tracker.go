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

package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// drainTTL is how long the acks of a finished command stay available to NextAck.
const drainTTL = time.Minute

type cmdKey struct {
	cmdType int
	seqNum  int64
}

func (k cmdKey) String() string { return fmt.Sprintf("%d/%d", k.cmdType, k.seqNum) }

// Tracker is the table of commands a session issued and is still waiting on.
// Acks for other senders or unknown commands are discarded.
type Tracker struct {
	identity string
	origin   int64
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending map[cmdKey]*pending
	// finished holds commands whose terminal ack arrived but was not handed out yet.
	finished *cache.Cache
}

// NewTracker returns an empty tracker for the sender with the given identity and origin.
func NewTracker(identity string, origin int64, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		identity: identity,
		origin:   origin,
		log:      log,
		pending:  make(map[cmdKey]*pending),
		finished: cache.New(drainTTL, 2*drainTTL),
	}
}

// Identity returns the identity acks must carry to be accepted.
func (t *Tracker) Identity() string { return t.identity }

// Origin returns the origin acks must carry to be accepted.
func (t *Tracker) Origin() int64 { return t.origin }

func (t *Tracker) register(cmdType int, seqNum int64) *pending {
	p := &pending{notify: make(chan struct{}), started: time.Now()}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[cmdKey{cmdType, seqNum}] = p
	return p
}

// lookup finds a command that is in flight or finished but not yet drained.
func (t *Tracker) lookup(cmdType int, seqNum int64) (*pending, bool) {
	key := cmdKey{cmdType, seqNum}
	t.mu.Lock()
	p, ok := t.pending[key]
	t.mu.Unlock()
	if ok {
		return p, true
	}
	if cached, ok := t.finished.Get(key.String()); ok {
		return cached.(*pending), true
	}
	return nil, false
}

func (t *Tracker) unregister(cmdType int, seqNum int64) {
	key := cmdKey{cmdType, seqNum}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
	t.finished.Delete(key.String())
}

// InFlight returns the number of commands still waiting for their terminal ack.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// HandleAck routes an ackcmd sample to the waiting command. It is the callback of the ackcmd reader.
func (t *Tracker) HandleAck(_ context.Context, s *sal.Sample) error {
	ack := AckFromSample(s)
	if ack.Identity != t.identity || ack.Origin != t.origin {
		return nil
	}
	key := cmdKey{ack.CmdType, ack.SeqNum}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if !ok {
		t.log.Debugf("Discarding ack for a command no longer waited on: %s", ack)
		return nil
	}
	p.push(ack)
	if ack.Ack.IsTerminal() {
		delete(t.pending, key)
		t.finished.Set(key.String(), p, cache.DefaultExpiration)
	}
	return nil
}

// AbortAll ends every pending wait with a local ABORTED ack.
func (t *Tracker) AbortAll(reason string) {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[cmdKey]*pending)
	t.mu.Unlock()

	for key, p := range all {
		p.abort(AckCmd{Ack: sal.AckAborted, Result: reason, Identity: t.identity, Origin: t.origin, CmdType: key.cmdType, SeqNum: key.seqNum})
	}
}

// pending holds the acks received for one command, in arrival order.
type pending struct {
	mu      sync.Mutex
	acks    []AckCmd
	last    *AckCmd
	notify  chan struct{}
	aborted *AckCmd
	started time.Time
}

func (p *pending) push(ack AckCmd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks = append(p.acks, ack)
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *pending) abort(ack AckCmd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = &ack
	close(p.notify)
	p.notify = make(chan struct{})
}

// lastAck returns the most recent ack handed out by next, nil if none.
func (p *pending) lastAck() *AckCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// next waits for the next ack until deadline; ok is false when the deadline passed.
func (p *pending) next(ctx context.Context, deadline time.Time) (ack AckCmd, ok bool, err error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.acks) > 0 {
			ack = p.acks[0]
			p.acks = p.acks[1:]
			p.last = &ack
			p.mu.Unlock()
			return ack, true, nil
		}
		if p.aborted != nil {
			ack = *p.aborted
			p.mu.Unlock()
			return ack, true, nil
		}
		notify := p.notify
		p.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return AckCmd{}, false, nil
		case <-ctx.Done():
			return AckCmd{}, false, ctx.Err()
		}
	}
}
