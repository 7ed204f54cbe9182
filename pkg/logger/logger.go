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

package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/salbus/pkg/env"
)

// LogLevel represents the logging level.
type LogLevel string

// LogFormat represents the logging format.
type LogFormat string

const (
	// DebugLevel logs debug level messages.
	DebugLevel LogLevel = "DEBUG"
	// InfoLevel logs informational messages.
	InfoLevel LogLevel = "INFO"
	// WarnLevel logs warning messages.
	WarnLevel LogLevel = "WARN"
	// ErrorLevel logs error messages.
	ErrorLevel LogLevel = "ERROR"
	// ProductionLevel is an alias for InfoLevel, used for easier configuration.
	ProductionLevel LogLevel = "PRODUCTION"

	// FormatConsole indicates human-readable console format.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON indicates structured JSON format.
	FormatJSON LogFormat = "JSON"
	// FormatPretty indicates highly human-readable format.
	FormatPretty LogFormat = "PRETTY"
)

var (
	initOnce sync.Once
	// atomicLevel is shared by every core built by New, so SetLevel affects all of them.
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	initialized bool
)

// ParseLevel converts a string log level to a zapcore.Level. Unknown values map to INFO.
func ParseLevel(level string) zapcore.Level {
	switch LogLevel(strings.ToUpper(level)) {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel, ProductionLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func getLogFormat(defaultFormat LogFormat) LogFormat {
	value, _ := env.GetAsString("LOGGING_FORMAT", false, string(defaultFormat)) //nolint:errcheck
	format := LogFormat(strings.ToUpper(value))
	if format != FormatConsole && format != FormatJSON && format != FormatPretty {
		return defaultFormat
	}

	return format
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// NewEncoder builds the encoder used for the given format.
func NewEncoder(logFormat LogFormat) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if logFormat == FormatConsole || logFormat == FormatPretty {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch logFormat {
	case FormatPretty:
		return NewPrettyConsoleEncoder(encoderConfig)
	case FormatConsole:
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return zapcore.NewJSONEncoder(encoderConfig)
	}
}

// New creates a new zap logger writing to stdout with the given level and format.
func New(logLevel string, logFormat LogFormat) *zap.Logger {
	atomicLevel.SetLevel(ParseLevel(logLevel))

	core := zapcore.NewCore(
		NewEncoder(logFormat),
		zapcore.AddSync(os.Stdout),
		atomicLevel,
	)

	return zap.New(core, zap.AddCaller())
}

// Initialize sets up the global logger from LOGGING_LEVEL and LOGGING_FORMAT using zap.ReplaceGlobals().
func Initialize() {
	initOnce.Do(func() {
		logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, string(ProductionLevel)) //nolint:errcheck
		logFormat := getLogFormat(FormatPretty)
		logger := New(logLevel, logFormat)

		logger.Debug("Logger initialized",
			zap.String("level", logLevel),
			zap.String("format", string(logFormat)))

		zap.ReplaceGlobals(logger)

		initialized = true
	})
}

// SetLevel changes the level of every logger created by this package at runtime.
func SetLevel(level zapcore.Level) {
	atomicLevel.SetLevel(level)
}

// Level returns the current global log level.
func Level() zapcore.Level {
	return atomicLevel.Level()
}

// GetLogger returns the global logger, initializing it if needed.
func GetLogger() *zap.Logger {
	if !initialized {
		Initialize()
	}

	return zap.L()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return zap.L().Sync()
}

// For creates a named logger for a specific component.
func For(component string) *zap.SugaredLogger {
	if !initialized {
		Initialize()
	}

	return zap.S().Named(component)
}
