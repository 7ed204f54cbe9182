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
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const (
	// DefaultAppVersion is the version of binaries built without ldflags.
	DefaultAppVersion = "0.0.0-dev"

	environmentDevelopment = "development"
	environmentProduction  = "production"
)

// InitSentry initializes sentry for the given DSN and application version.
// Reporting stays disabled when no DSN is set or for local development builds.
// If debounceErrors is true, errors will be debounced to avoid spamming Sentry.
func InitSentry(dsn string, appVersion string, debounceErrors bool) {
	shouldDebounceErrors.Store(debounceErrors)

	if dsn == "" || appVersion == "" || appVersion == DefaultAppVersion {
		zap.S().Debug("Sentry disabled (no DSN or development build)")
		return
	}

	environment := environmentDevelopment

	version, err := semver.NewVersion(appVersion)
	if err != nil {
		zap.S().Errorf("Failed to parse app version, using default environment (development): %s", err)
	} else if version.Prerelease() == "" {
		environment = environmentProduction
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:           dsn,
		Environment:   environment,
		Release:       "salbus@" + appVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)
	}
}

// meaningfulErrorTitle returns the first phrase of the error message, capped at 100 characters.
func meaningfulErrorTitle(err error) string {
	message := err.Error()

	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createSentryEvent(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       meaningfulErrorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	for key, value := range context {
		if event.Tags == nil {
			event.Tags = make(map[string]string)
		}
		event.Tags[key] = fmt.Sprint(value)

		if key == "operation" || key == "topic" {
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}

func sendSentryEvent(event *sentry.Event) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.CaptureEvent(event)
}
