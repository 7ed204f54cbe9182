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

package sentry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
)

// debounceWindow is the minimum time between two sentry events with the same issue type and operation.
const debounceWindow = 2 * time.Hour

var (
	shouldDebounceErrors atomic.Bool

	lastSentMu sync.Mutex
	lastSent   = map[string]time.Time{}
)

func init() {
	shouldDebounceErrors.Store(true)
}

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	shouldDebounceErrors.Store(false)
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	shouldDebounceErrors.Store(true)
}

// ReportIssue logs err and forwards it to sentry.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

// ReportIssuef formats an error message and reports it.
func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context that ends up as sentry tags.
// The log line is always written; the sentry event is debounced per issue type and operation.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	level := sentry.LevelError
	if issueType == IssueTypeWarning {
		level = sentry.LevelWarning
		log.Warnw(err.Error(), flatten(context)...)
	} else {
		log.Errorw(err.Error(), flatten(context)...)
	}

	if !shouldSend(string(issueType) + fmt.Sprint(context["operation"])) {
		return
	}
	sendSentryEvent(createSentryEvent(level, err, context))
}

// ReportTaskError reports a failure caught at a goroutine boundary (callback, handler, loop).
func ReportTaskError(log *zap.SugaredLogger, component string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"component": component,
		"operation": operation,
	})
}

func shouldSend(key string) bool {
	if !shouldDebounceErrors.Load() {
		return true
	}

	lastSentMu.Lock()
	defer lastSentMu.Unlock()

	if last, ok := lastSent[key]; ok && time.Since(last) < debounceWindow {
		return false
	}
	lastSent[key] = time.Now()
	return true
}

func flatten(context map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, 2*len(context))
	for k, v := range context {
		out = append(out, k, v)
	}
	return out
}
