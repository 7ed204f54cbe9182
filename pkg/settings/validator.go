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

// Package settings validates component settings against a JSON schema and loads them
// from a settings directory.
package settings

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// FieldError is one schema violation.
type FieldError struct {
	// Path is the dotted path of the offending value; "(root)" for the document itself.
	Path        string
	Description string
}

// ValidationError lists every violation found in a settings document.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Path + ": " + fe.Description
	}
	return "settings failed validation: " + strings.Join(parts, "; ")
}

// Unwrap makes a ValidationError match sal.ErrInvalidArgument.
func (e *ValidationError) Unwrap() error { return sal.ErrInvalidArgument }

// Paths returns the sorted paths of the violations.
func (e *ValidationError) Paths() []string {
	out := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		out[i] = fe.Path
	}
	sort.Strings(out)
	return out
}

// Validator checks settings documents against one schema, filling in defaults first.
type Validator struct {
	schema   map[string]any
	compiled *gojsonschema.Schema
}

// NewValidator compiles a schema given as YAML or JSON.
func NewValidator(schemaDoc []byte) (*Validator, error) {
	var schema map[string]any
	if err := yaml.Unmarshal(schemaDoc, &schema); err != nil {
		return nil, fmt.Errorf("%w: parsing settings schema: %w", sal.ErrInvalidArgument, err)
	}
	if schema == nil {
		return nil, fmt.Errorf("%w: settings schema is empty", sal.ErrInvalidArgument)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("%w: compiling settings schema: %w", sal.ErrInvalidArgument, err)
	}
	return &Validator{schema: schema, compiled: compiled}, nil
}

// Validate returns a copy of doc with defaults filled in, or a *ValidationError.
// A nil doc is treated as an empty object.
func (v *Validator) Validate(doc map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if doc != nil {
		if err := deepcopy.Copy(&out, &doc); err != nil {
			return nil, fmt.Errorf("copying settings: %w", err)
		}
	}
	applyDefaults(v.schema, out)

	// Round trip through JSON so YAML-decoded values have the types the schema checker expects.
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: settings are not representable as JSON: %w", sal.ErrInvalidArgument, err)
	}
	result, err := v.compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: validating settings: %w", sal.ErrInvalidArgument, err)
	}
	if !result.Valid() {
		verr := &ValidationError{}
		for _, desc := range result.Errors() {
			verr.Errors = append(verr.Errors, FieldError{Path: desc.Field(), Description: desc.Description()})
		}
		return nil, verr
	}

	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("decoding normalized settings: %w", err)
	}
	return normalized, nil
}

// applyDefaults sets missing properties that have a default, and descends into objects.
// A missing object without a default is created when some of its properties have defaults.
func applyDefaults(schema map[string]any, doc map[string]any) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	for name, rawSub := range props {
		sub, ok := rawSub.(map[string]any)
		if !ok {
			continue
		}
		if _, present := doc[name]; !present {
			if def, ok := sub["default"]; ok {
				doc[name] = def
				continue
			}
			if sub["type"] != "object" {
				continue
			}
			child := map[string]any{}
			applyDefaults(sub, child)
			if len(child) > 0 {
				doc[name] = child
			}
			continue
		}
		if child, ok := doc[name].(map[string]any); ok {
			applyDefaults(sub, child)
		}
	}
}
