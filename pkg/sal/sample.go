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

package sal

import (
	"fmt"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Field is one named payload value.
type Field struct {
	Name  string
	Value any
}

// StructuredValue is implemented by every payload type. Fields are returned in schema order.
type StructuredValue interface {
	Fields() []Field
}

// Header holds the fields every sample carries in addition to its payload.
type Header struct {
	// SalIndex is the component index; only meaningful for indexed components.
	SalIndex int
	// SeqNum is assigned by the writer, starting at 1 and wrapping after MaxSeqNum.
	SeqNum int64
	// SndStamp is the time the writer published the sample.
	SndStamp time.Time
	// RcvStamp is the time the sample was read from the broker. Zero for written samples.
	RcvStamp time.Time
	// Identity of the publisher: component name[:index] for a controller, user@host for a remote.
	Identity string
	// Origin identifies the publishing session.
	Origin int64
}

// Sample is an immutable typed record of one topic.
// Payload values use canonical types: bool, int64, float64, string, []bool, []int64, []float64.
type Sample struct {
	Header
	topic  string
	names  []string
	values map[string]any
}

// NewSample builds a sample from already validated payload fields.
// The values are deep copied, so later changes by the caller do not leak into the sample.
func NewSample(topic string, header Header, fields []Field) (*Sample, error) {
	values := make(map[string]any, len(fields))
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := values[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %s", ErrInvalidArgument, f.Name)
		}
		names = append(names, f.Name)
		values[f.Name] = f.Value
	}

	var copied map[string]any
	if err := deepcopy.Copy(&copied, &values); err != nil {
		return nil, fmt.Errorf("copying payload of %s: %w", topic, err)
	}

	return &Sample{Header: header, topic: topic, names: names, values: copied}, nil
}

// Topic returns the SAL name of the topic the sample belongs to.
func (s *Sample) Topic() string {
	return s.topic
}

// Fields implements StructuredValue. Slice values are shared with the sample.
func (s *Sample) Fields() []Field {
	out := make([]Field, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, Field{Name: name, Value: s.values[name]})
	}
	return out
}

// Get returns the payload value of a field.
func (s *Sample) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// GetInt returns an integer field, or 0 if it is missing or not an integer.
func (s *Sample) GetInt(name string) int64 {
	v, _ := s.values[name].(int64)
	return v
}

// GetFloat returns a floating point field, or 0 if it is missing or not a float.
func (s *Sample) GetFloat(name string) float64 {
	v, _ := s.values[name].(float64)
	return v
}

// GetString returns a string field, or "" if it is missing or not a string.
func (s *Sample) GetString(name string) string {
	v, _ := s.values[name].(string)
	return v
}

// GetBool returns a boolean field, or false if it is missing or not a boolean.
func (s *Sample) GetBool(name string) bool {
	v, _ := s.values[name].(bool)
	return v
}

// Map returns the payload as a new map. Slice values are shared with the sample and must not be modified.
func (s *Sample) Map() map[string]any {
	out := make(map[string]any, len(s.values))
	for _, f := range s.Fields() {
		out[f.Name] = f.Value
	}
	return out
}

// WithReceived returns a copy of the sample with RcvStamp set.
func (s *Sample) WithReceived(t time.Time) *Sample {
	cp := *s
	cp.RcvStamp = t
	return &cp
}

// WriterKey identifies the writer that published the sample.
func (s *Sample) WriterKey() string {
	return fmt.Sprintf("%s/%d", s.Identity, s.Origin)
}
