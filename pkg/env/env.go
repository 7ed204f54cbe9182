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

// Package env reads process settings from environment variables.
//
// Every getter follows the same contract: a required variable that is unset or
// unparsable yields an error, an optional one falls back to defaultValue.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetAsString retrieves an environment variable as a string.
func GetAsString(key string, required bool, defaultValue string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		if required {
			return "", fmt.Errorf("required environment variable %s is not set", key)
		}
		return defaultValue, nil
	}
	return value, nil
}

func getParsed[T any](key string, required bool, defaultValue T, kind string, parse func(string) (T, error)) (T, error) {
	value := os.Getenv(key)
	if value == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("required environment variable %s is not set", key)
		}
		return defaultValue, nil
	}

	parsed, err := parse(value)
	if err != nil {
		if required {
			var zero T
			return zero, fmt.Errorf("environment variable %s must be %s: %w", key, kind, err)
		}
		return defaultValue, nil
	}
	return parsed, nil
}

// GetAsInt retrieves an environment variable as an integer.
func GetAsInt(key string, required bool, defaultValue int) (int, error) {
	return getParsed(key, required, defaultValue, "an integer", strconv.Atoi)
}

// GetAsBool retrieves an environment variable as a boolean.
// Accepts true/false, 1/0, yes/no, y/n and on/off in any case.
func GetAsBool(key string, required bool, defaultValue bool) (bool, error) {
	return getParsed(key, required, defaultValue, "a boolean value", func(value string) (bool, error) {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		}
		return false, fmt.Errorf("unrecognized boolean %q", value)
	})
}

// GetAsDuration retrieves an environment variable as a time.Duration ("1s", "250ms").
func GetAsDuration(key string, required bool, defaultValue time.Duration) (time.Duration, error) {
	return getParsed(key, required, defaultValue, "a duration", time.ParseDuration)
}
