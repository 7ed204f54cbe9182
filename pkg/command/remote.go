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
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// Remote issues one command of a component and waits for its acknowledgements.
type Remote struct {
	name    string
	cmdType int
	writer  *topic.WriteTopic
	tracker *Tracker
	log     *zap.SugaredLogger
}

// NewRemote returns the issuing side of the command written by writer.
func NewRemote(info *topicinfo.TopicInfo, cmdType int, writer *topic.WriteTopic, tracker *Tracker, log *zap.SugaredLogger) *Remote {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Remote{
		name:    info.BriefName(),
		cmdType: cmdType,
		writer:  writer,
		tracker: tracker,
		log:     log.With("command", info.BriefName()),
	}
}

// Name returns the brief command name.
func (r *Remote) Name() string { return r.name }

// Start sends the command and waits for an ack. With waitDone it waits for the terminal ack,
// otherwise it returns the first ack. timeout bounds each wait; 0 means DefaultTimeout.
// A bad terminal ack and a missing ack are returned as *sal.AckError; the latter also matches sal.ErrTimeout.
func (r *Remote) Start(ctx context.Context, fields map[string]any, timeout time.Duration, waitDone bool) (AckCmd, error) {
	var p *pending
	var seqNum int64
	_, err := r.writer.SetWriteStamped(ctx, fields, true, func(s *sal.Sample) error {
		seqNum = s.SeqNum
		p = r.tracker.register(r.cmdType, seqNum)
		return nil
	})
	if err != nil {
		if p != nil {
			r.tracker.unregister(r.cmdType, seqNum)
		}
		return AckCmd{}, fmt.Errorf("sending %s: %w", r.name, err)
	}
	return r.wait(ctx, p, seqNum, timeout, waitDone)
}

// NextAck waits for the ack that follows ack, which must be a non-terminal ack of a command
// started by this Remote.
func (r *Remote) NextAck(ctx context.Context, ack AckCmd, waitDone bool, timeout time.Duration) (AckCmd, error) {
	if ack.Ack.IsTerminal() {
		return AckCmd{}, fmt.Errorf("%w: %s already finished with %s", sal.ErrInvalidArgument, r.name, ack.Ack)
	}
	p, ok := r.tracker.lookup(r.cmdType, ack.SeqNum)
	if !ok {
		return AckCmd{}, fmt.Errorf("%w: %s with sequence number %d is not in flight", sal.ErrInvalidArgument, r.name, ack.SeqNum)
	}
	return r.wait(ctx, p, ack.SeqNum, timeout, waitDone)
}

func (r *Remote) wait(ctx context.Context, p *pending, seqNum int64, timeout time.Duration, waitDone bool) (AckCmd, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		ack, ok, err := p.next(ctx, deadline)
		if err != nil {
			r.tracker.unregister(r.cmdType, seqNum)
			return AckCmd{}, err
		}
		if !ok {
			r.tracker.unregister(r.cmdType, seqNum)
			code, result := sal.AckNoAck, "No ack received"
			if last := p.lastAck(); last != nil {
				code, result = sal.AckTimeout, fmt.Sprintf("Timed out waiting for the next ack; last was %s", last.Ack)
			}
			metrics.ObserveCommandDuration(r.name, code.String(), time.Since(p.started))
			r.log.Debugf("Command %d: %s", seqNum, result)
			return AckCmd{Ack: code, Result: result, CmdType: r.cmdType, SeqNum: seqNum}, sal.NewAckTimeoutError(r.name, code, result)
		}

		if ack.Ack.IsTerminal() {
			r.tracker.unregister(r.cmdType, seqNum)
			metrics.ObserveCommandDuration(r.name, ack.Ack.String(), time.Since(p.started))
			if ack.Ack != sal.AckComplete {
				return ack, sal.NewAckError(r.name, ack.Ack, ack.Error, ack.Result)
			}
			return ack, nil
		}
		if !waitDone {
			return ack, nil
		}
		if ack.Timeout > 0 {
			deadline = time.Now().Add(ack.Timeout + timeout)
		}
	}
}
