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
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

const (
	// finishedTTL is how long the terminal ack of a command is kept to answer redelivered copies.
	finishedTTL = 10 * time.Minute
)

// Handler runs a command. Returning (nil, nil) completes it with "Done". A returned terminal ack
// is written as is; a non-terminal ack is written and the handler must finish the command later
// with Controller.Ack. Errors are turned into FAILED, TIMEOUT or ABORTED acks.
type Handler func(ctx context.Context, cmd *sal.Sample) (*AckCmd, error)

// ErrorHook is told about every handler error after the failure ack was written.
type ErrorHook func(ctx context.Context, cmd *sal.Sample, err error)

// FinishedHook is called after the terminal ack written for a handler run.
type FinishedHook func(ctx context.Context, cmd *sal.Sample, ack AckCmd)

// Controller is the receiving side of one command.
type Controller struct {
	name    string
	cmdType int
	reader  *topic.ReadTopic
	acks    *topic.WriteTopic
	log     *zap.SugaredLogger

	mu       sync.RWMutex
	handler  Handler
	onError  ErrorHook
	onDone   FinishedHook
	finished *cache.Cache
}

// NewController answers the commands read by reader, writing acks to the ackcmd writer.
// The reader should be configured with an exclusive callback.
func NewController(info *topicinfo.TopicInfo, cmdType int, reader *topic.ReadTopic, acks *topic.WriteTopic, log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Controller{
		name:     info.BriefName(),
		cmdType:  cmdType,
		reader:   reader,
		acks:     acks,
		log:      log.With("command", info.BriefName()),
		finished: cache.New(finishedTTL, 2*finishedTTL),
	}
	reader.SetCallback(c.handle)
	return c
}

// Name returns the brief command name.
func (c *Controller) Name() string { return c.name }

// SetHandler installs the command handler. Without one, commands fail with "not implemented".
func (c *Controller) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// HasHandler reports whether a handler is installed.
func (c *Controller) HasHandler() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler != nil
}

// SetErrorHook installs a hook called for handler errors.
func (c *Controller) SetErrorHook(hook ErrorHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = hook
}

// SetFinishedHook installs a hook called once the terminal ack of a handled command is written.
func (c *Controller) SetFinishedHook(hook FinishedHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = hook
}

func finishedKey(cmd *sal.Sample) string {
	return fmt.Sprintf("%s/%d/%d", cmd.Identity, cmd.Origin, cmd.SeqNum)
}

func (c *Controller) handle(ctx context.Context, cmd *sal.Sample) error {
	if cached, ok := c.finished.Get(finishedKey(cmd)); ok {
		ack := cached.(AckCmd)
		c.log.Debugf("Command %d from %s already finished; repeating %s", cmd.SeqNum, cmd.Identity, ack.Ack)
		return c.Ack(ctx, cmd, &ack)
	}

	if err := c.Ack(ctx, cmd, NewAck(sal.AckAck, 0, "")); err != nil {
		return err
	}

	c.mu.RLock()
	handler, onError, onDone := c.handler, c.onError, c.onDone
	c.mu.RUnlock()

	var (
		ack *AckCmd
		err error
	)
	if handler == nil {
		err = sal.ExpectedErrorf("command %s is not implemented", c.name)
	} else {
		ack, err = c.run(ctx, handler, cmd)
	}

	final := c.ackFor(ack, err)
	if writeErr := c.Ack(ctx, cmd, final); writeErr != nil {
		return writeErr
	}
	if err != nil && onError != nil {
		onError(ctx, cmd, err)
	}
	if onDone != nil && final.Ack.IsTerminal() {
		onDone(ctx, cmd, *final)
	}
	return nil
}

func (c *Controller) run(ctx context.Context, handler Handler, cmd *sal.Sample) (ack *AckCmd, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, cmd)
}

// ackFor maps a handler result to the ack to write, logging failures by category.
func (c *Controller) ackFor(ack *AckCmd, err error) *AckCmd {
	if err == nil {
		if ack == nil {
			return NewAck(sal.AckComplete, 0, "Done")
		}
		return ack
	}

	var ackErr *sal.AckError
	switch {
	case errors.Is(err, context.Canceled):
		c.log.Warnf("Command aborted: %v", err)
		return NewAck(sal.AckAborted, 0, "Aborted")
	case errors.Is(err, sal.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		c.log.Warnf("Command timed out: %v", err)
		return NewAck(sal.AckTimeout, 0, "Timed out: "+err.Error())
	case errors.As(err, &ackErr):
		c.log.Warnf("Command failed: %v", err)
		return NewAck(sal.AckFailed, ackErr.ErrorCode, "Failed: "+err.Error())
	}

	code := 0
	var ce *sal.CategorizedError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	switch sal.CategoryOf(err) {
	case sal.CategoryExpected, sal.CategoryFault:
		c.log.Warnf("Command failed: %v", err)
	default:
		metrics.IncErrorCount(c.name, "command")
		sentry.ReportTaskError(c.log, c.name, "command", err)
	}
	return NewAck(sal.AckFailed, code, "Failed: "+err.Error())
}

// Ack writes an acknowledgement of cmd. Terminal acks are remembered so a redelivered
// command is answered without running the handler again.
func (c *Controller) Ack(ctx context.Context, cmd *sal.Sample, ack *AckCmd) error {
	a := *ack
	a.Identity = cmd.Identity
	a.Origin = cmd.Origin
	a.CmdType = c.cmdType
	a.SeqNum = cmd.SeqNum
	a.Result = TruncateResult(a.Result)

	if _, err := c.acks.SetWrite(ctx, a.fields(), true); err != nil {
		metrics.IncErrorCount(c.name, "ack")
		sentry.ReportTaskError(c.log, c.name, "ack", err)
		return err
	}
	metrics.IncAcksWritten(c.name, a.Ack.String())
	if a.Ack.IsTerminal() {
		c.finished.Set(finishedKey(cmd), a, cache.DefaultExpiration)
	}
	return nil
}

// AckInProgress tells the sender the command is running and may take up to timeout longer.
func (c *Controller) AckInProgress(ctx context.Context, cmd *sal.Sample, timeout time.Duration, result string) error {
	ack := NewAck(sal.AckInProgress, 0, result)
	ack.Timeout = timeout
	return c.Ack(ctx, cmd, ack)
}
