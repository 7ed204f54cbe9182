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
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// EnumValue is one named constant of a component enumeration.
type EnumValue struct {
	Name  string `yaml:"name"`
	Value int64  `yaml:"value"`
}

// ComponentSpec is the YAML component description.
type ComponentSpec struct {
	Name        string                 `yaml:"name"`
	Indexed     bool                   `yaml:"indexed"`
	Description string                 `yaml:"description,omitempty"`
	Commands    []TopicSpec            `yaml:"commands,omitempty"`
	Events      []TopicSpec            `yaml:"events,omitempty"`
	Telemetry   []TopicSpec            `yaml:"telemetry,omitempty"`
	Enums       map[string][]EnumValue `yaml:"enums,omitempty"`
}

// ComponentInfo describes every topic of a component. It is built once and shared read-only.
type ComponentInfo struct {
	Name        string
	Indexed     bool
	Description string
	Enums       map[string][]EnumValue

	topics    map[string]*TopicInfo
	commands  []string
	events    []string
	telemetry []string
}

// ParseComponentInfo parses a YAML component description and merges in the generic topics.
func ParseComponentInfo(data []byte) (*ComponentInfo, error) {
	var spec ComponentSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: parsing component description: %w", sal.ErrInvalidArgument, err)
	}
	return NewComponentInfo(spec)
}

// NewComponentInfo builds a ComponentInfo from a description plus the generic topics.
func NewComponentInfo(spec ComponentSpec) (*ComponentInfo, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: component description has no name", sal.ErrInvalidArgument)
	}

	ci := &ComponentInfo{
		Name:        spec.Name,
		Indexed:     spec.Indexed,
		Description: spec.Description,
		Enums:       spec.Enums,
		topics:      make(map[string]*TopicInfo),
	}
	if ci.Enums == nil {
		ci.Enums = map[string][]EnumValue{}
	}

	groups := []struct {
		direction Direction
		specs     []TopicSpec
		names     *[]string
	}{
		{DirectionCommand, append(append([]TopicSpec(nil), genericCommands...), spec.Commands...), &ci.commands},
		{DirectionEvent, append(append([]TopicSpec(nil), genericEvents...), spec.Events...), &ci.events},
		{DirectionTelemetry, spec.Telemetry, &ci.telemetry},
	}
	for _, g := range groups {
		for _, ts := range g.specs {
			if err := ci.add(g.direction, ts); err != nil {
				return nil, err
			}
			*g.names = append(*g.names, ts.Name)
		}
		sort.Strings(*g.names)
	}

	if err := ci.add(DirectionAck, TopicSpec{Name: AckCmdSalName, Description: "Command acknowledgement.", Fields: ackFields}); err != nil {
		return nil, err
	}
	return ci, nil
}

func (ci *ComponentInfo) add(direction Direction, ts TopicSpec) error {
	if ts.Name == "" {
		return fmt.Errorf("%w: %s %s has a topic without a name", sal.ErrInvalidArgument, ci.Name, direction)
	}
	t, err := NewTopicInfo(ci.Name, direction, ts.Name, ts.Description, ts.Fields)
	if err != nil {
		return err
	}
	if _, dup := ci.topics[t.SalName]; dup {
		return fmt.Errorf("%w: %s defines topic %s twice", sal.ErrInvalidArgument, ci.Name, t.SalName)
	}
	ci.topics[t.SalName] = t
	return nil
}

// Topic looks up a topic by SAL name.
func (ci *ComponentInfo) Topic(salName string) (*TopicInfo, bool) {
	t, ok := ci.topics[salName]
	return t, ok
}

func (ci *ComponentInfo) lookup(direction Direction, brief string) (*TopicInfo, error) {
	t, ok := ci.topics[salName(direction, brief)]
	if !ok || t.Direction != direction {
		return nil, fmt.Errorf("%w: %s has no %s %q", sal.ErrInvalidArgument, ci.Name, direction, brief)
	}
	return t, nil
}

// Command returns the command topic with the given brief name, such as "enable".
func (ci *ComponentInfo) Command(name string) (*TopicInfo, error) {
	return ci.lookup(DirectionCommand, name)
}

// Event returns the event topic with the given brief name, such as "summaryState".
func (ci *ComponentInfo) Event(name string) (*TopicInfo, error) {
	return ci.lookup(DirectionEvent, name)
}

// Telemetry returns the telemetry topic with the given name.
func (ci *ComponentInfo) Telemetry(name string) (*TopicInfo, error) {
	return ci.lookup(DirectionTelemetry, name)
}

// AckCmd returns the acknowledgement topic.
func (ci *ComponentInfo) AckCmd() *TopicInfo {
	return ci.topics[AckCmdSalName]
}

// CommandNames returns the brief command names in alphabetical order.
func (ci *ComponentInfo) CommandNames() []string { return append([]string(nil), ci.commands...) }

// EventNames returns the brief event names in alphabetical order.
func (ci *ComponentInfo) EventNames() []string { return append([]string(nil), ci.events...) }

// TelemetryNames returns the telemetry names in alphabetical order.
func (ci *ComponentInfo) TelemetryNames() []string { return append([]string(nil), ci.telemetry...) }

// CmdType is the index of a command in the alphabetical command list; it is sent in acks.
func (ci *ComponentInfo) CmdType(name string) (int, bool) {
	i := sort.SearchStrings(ci.commands, name)
	if i < len(ci.commands) && ci.commands[i] == name {
		return i, true
	}
	return -1, false
}

// Topics returns every topic, sorted by SAL name.
func (ci *ComponentInfo) Topics() []*TopicInfo {
	out := make([]*TopicInfo, 0, len(ci.topics))
	for _, t := range ci.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SalName < out[j].SalName })
	return out
}

// EnumValue looks up a constant of an enumeration by name.
func (ci *ComponentInfo) EnumValue(enum, name string) (int64, bool) {
	for _, v := range ci.Enums[enum] {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}
