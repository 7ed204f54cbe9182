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

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// parseFields turns field=value arguments into command fields.
// Array values are comma separated.
func parseFields(info *topicinfo.TopicInfo, args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not field=value", sal.ErrInvalidArgument, arg)
		}
		f, ok := info.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", sal.ErrInvalidArgument, info.BriefName(), name)
		}
		if !f.IsArray() {
			v, err := parseScalar(f, raw)
			if err != nil {
				return nil, err
			}
			fields[name] = v
			continue
		}
		parts := strings.Split(raw, ",")
		values := make([]any, len(parts))
		for i, part := range parts {
			v, err := parseScalar(f, strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		fields[name] = values
	}
	return info.Coerce(fields)
}

func parseScalar(f topicinfo.FieldInfo, raw string) (any, error) {
	var (
		v   any
		err error
	)
	switch {
	case f.Type == topicinfo.TypeString:
		return raw, nil
	case f.Type == topicinfo.TypeBoolean:
		v, err = strconv.ParseBool(raw)
	case f.Type.IsInteger():
		v, err = strconv.ParseInt(raw, 0, 64)
	default:
		v, err = strconv.ParseFloat(raw, 64)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %w", sal.ErrInvalidArgument, f.Name, err)
	}
	return v, nil
}
