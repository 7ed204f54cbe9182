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

package topicinfo

import (
	"fmt"
	"strings"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// Direction is the kind of a topic.
type Direction int

const (
	DirectionCommand Direction = iota
	DirectionEvent
	DirectionTelemetry
	DirectionAck
)

func (d Direction) String() string {
	switch d {
	case DirectionCommand:
		return "command"
	case DirectionEvent:
		return "event"
	case DirectionTelemetry:
		return "telemetry"
	case DirectionAck:
		return "ackcmd"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

const (
	commandPrefix = "command_"
	eventPrefix   = "logevent_"
	AckCmdSalName = "ackcmd"
)

// TopicInfo is the immutable description of one topic of a component.
type TopicInfo struct {
	ComponentName string
	// SalName is the name used in the topic: command_enable, logevent_summaryState, scalars, ackcmd.
	SalName     string
	Direction   Direction
	Description string
	Fields      []FieldInfo

	byName map[string]int
}

// NewTopicInfo builds a topic description and checks its field list.
func NewTopicInfo(component string, direction Direction, brief string, description string, fields []FieldInfo) (*TopicInfo, error) {
	t := &TopicInfo{
		ComponentName: component,
		SalName:       salName(direction, brief),
		Direction:     direction,
		Description:   description,
		Fields:        append([]FieldInfo(nil), fields...),
		byName:        make(map[string]int, len(fields)),
	}
	for i, f := range t.Fields {
		if f.Name == "" || strings.HasPrefix(f.Name, "private_") {
			return nil, fmt.Errorf("%w: topic %s has invalid field name %q", sal.ErrInvalidArgument, t.SalName, f.Name)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("%w: field %s.%s has unknown type %q", sal.ErrInvalidArgument, t.SalName, f.Name, f.Type)
		}
		if _, dup := t.byName[f.Name]; dup {
			return nil, fmt.Errorf("%w: topic %s declares field %s twice", sal.ErrInvalidArgument, t.SalName, f.Name)
		}
		t.byName[f.Name] = i
	}
	return t, nil
}

func salName(direction Direction, brief string) string {
	switch direction {
	case DirectionCommand:
		return commandPrefix + brief
	case DirectionEvent:
		return eventPrefix + brief
	default:
		return brief
	}
}

// BriefName strips the direction prefix: command_enable becomes enable.
func (t *TopicInfo) BriefName() string {
	switch t.Direction {
	case DirectionCommand:
		return strings.TrimPrefix(t.SalName, commandPrefix)
	case DirectionEvent:
		return strings.TrimPrefix(t.SalName, eventPrefix)
	default:
		return t.SalName
	}
}

// AttrName is the attribute name used for the topic on a component: cmd_enable, evt_summaryState,
// tel_scalars, ack_ackcmd.
func (t *TopicInfo) AttrName() string {
	switch t.Direction {
	case DirectionCommand:
		return "cmd_" + t.BriefName()
	case DirectionEvent:
		return "evt_" + t.BriefName()
	case DirectionTelemetry:
		return "tel_" + t.BriefName()
	default:
		return "ack_" + t.BriefName()
	}
}

// BrokerTopic is the name of the broker topic: <prefix>.<component>.<salName>.
func (t *TopicInfo) BrokerTopic(prefix string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, t.ComponentName, t.SalName)
}

// String identifies the topic in logs and metrics: <component>.<salName>.
func (t *TopicInfo) String() string {
	return t.ComponentName + "." + t.SalName
}

// Volatile topics keep no history: commands and acknowledgements.
func (t *TopicInfo) Volatile() bool {
	return t.Direction == DirectionCommand || t.Direction == DirectionAck
}

// Field looks up a field by name.
func (t *TopicInfo) Field(name string) (FieldInfo, bool) {
	i, ok := t.byName[name]
	if !ok {
		return FieldInfo{}, false
	}
	return t.Fields[i], true
}

// Defaults returns every field set to its zero value, in schema order.
func (t *TopicInfo) Defaults() []sal.Field {
	out := make([]sal.Field, len(t.Fields))
	for i, f := range t.Fields {
		out[i] = sal.Field{Name: f.Name, Value: f.Default()}
	}
	return out
}

// Coerce checks values against the topic and converts them to canonical types.
func (t *TopicInfo) Coerce(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		f, ok := t.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: topic %s has no field %q", sal.ErrInvalidArgument, t.SalName, name)
		}
		cv, err := f.Coerce(v)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	return out, nil
}

// Complete merges values over the defaults and returns all fields in schema order.
func (t *TopicInfo) Complete(values map[string]any) ([]sal.Field, error) {
	coerced, err := t.Coerce(values)
	if err != nil {
		return nil, err
	}
	fields := t.Defaults()
	for i := range fields {
		if v, ok := coerced[fields[i].Name]; ok {
			fields[i].Value = v
		}
	}
	return fields, nil
}
