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

package component

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/salbus/pkg/command"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// Numeric log levels carried by the logLevel and logMessage events and the setLogLevel command.
const (
	LevelDebug    = 10
	LevelInfo     = 20
	LevelWarning  = 30
	LevelError    = 40
	LevelCritical = 50
)

const logQueueLen = 100

// ZapLevel converts a numeric level to the closest zap level.
func ZapLevel(level int64) zapcore.Level {
	switch {
	case level <= LevelDebug:
		return zapcore.DebugLevel
	case level <= LevelInfo:
		return zapcore.InfoLevel
	case level <= LevelWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// NumericLevel converts a zap level to its numeric level.
func NumericLevel(level zapcore.Level) int64 {
	switch {
	case level <= zapcore.DebugLevel:
		return LevelDebug
	case level == zapcore.InfoLevel:
		return LevelInfo
	case level == zapcore.WarnLevel:
		return LevelWarning
	case level == zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelCritical
	}
}

// leveledCore filters a core by its own level instead of the global one.
type leveledCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (l *leveledCore) Enabled(lvl zapcore.Level) bool { return l.level.Enabled(lvl) }

func (l *leveledCore) With(fields []zapcore.Field) zapcore.Core {
	return &leveledCore{Core: l.Core.With(fields), level: l.level}
}

func (l *leveledCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if l.Enabled(ent.Level) {
		return ce.AddCore(ent, l)
	}
	return ce
}

// eventCore hands log entries to the logMessage forwarder. Entries are dropped when it falls behind.
type eventCore struct {
	level   zap.AtomicLevel
	records chan<- zapcore.Entry
}

func (e *eventCore) Enabled(lvl zapcore.Level) bool    { return e.level.Enabled(lvl) }
func (e *eventCore) With([]zapcore.Field) zapcore.Core { return e }
func (e *eventCore) Sync() error                       { return nil }

func (e *eventCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Enabled(ent.Level) {
		return ce.AddCore(ent, e)
	}
	return ce
}

func (e *eventCore) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	select {
	case e.records <- ent:
	default:
		metrics.IncSamplesDropped(topicinfo.EvtLogMessage, "overflow")
	}
	return nil
}

func (c *Component) newLogger() *zap.SugaredLogger {
	base := logger.GetLogger()
	core := zapcore.NewTee(
		&leveledCore{Core: base.Core(), level: c.level},
		&eventCore{level: c.level, records: c.records},
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		Named(c.info.Name).
		Sugar()
}

// forwardLogs publishes queued log entries as logMessage events until ctx ends.
func (c *Component) forwardLogs(ctx context.Context) {
	defer c.wg.Done()
	wt := c.events[topicinfo.EvtLogMessage]
	pid := os.Getpid()
	for {
		select {
		case <-ctx.Done():
			return
		case ent := <-c.records:
			_, err := wt.SetWrite(ctx, map[string]any{
				"name":         ent.LoggerName,
				"level":        NumericLevel(ent.Level),
				"message":      ent.Message,
				"traceback":    ent.Stack,
				"filePath":     ent.Caller.File,
				"functionName": ent.Caller.Function,
				"lineNumber":   ent.Caller.Line,
				"process":      pid,
				"timestamp":    float64(ent.Time.UnixNano()) / 1e9,
			}, true)
			if err != nil && ctx.Err() == nil {
				metrics.IncErrorCount(c.info.Name, "logMessage")
			}
		}
	}
}

// setLogLevel handles the setLogLevel command. A blank subsystem sets the component level,
// any other value the level of every process logger.
func (c *Component) setLogLevel(ctx context.Context, cmd *sal.Sample) (*command.AckCmd, error) {
	level := ZapLevel(cmd.GetInt("level"))
	subsystem := cmd.GetString("subsystem")
	if subsystem == "" {
		c.level.SetLevel(level)
	} else {
		logger.SetLevel(level)
	}
	return nil, c.publishLogLevel(ctx, subsystem)
}

func (c *Component) publishLogLevel(ctx context.Context, subsystem string) error {
	level := c.level.Level()
	if subsystem != "" {
		level = logger.Level()
	}
	_, err := c.events[topicinfo.EvtLogLevel].SetWrite(ctx, map[string]any{
		"level":     NumericLevel(level),
		"subsystem": subsystem,
	}, true)
	return err
}
