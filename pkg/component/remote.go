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
	"fmt"
	"slices"
	"time"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/command"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/session"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// RemoteOptions configure a Remote.
type RemoteOptions struct {
	Index       int
	Identity    string
	TopicPrefix string

	// Include lists the events and telemetry topics to read by brief name; all when empty.
	Include []string
	// ReadOnly skips the command remotes.
	ReadOnly bool
	// NoEventHistory reads only new events instead of the latest one.
	NoEventHistory bool
	// QueueLen of every reader; 0 means sal.DefaultQueueLen.
	QueueLen int
}

// Remote is the client view of a component: command remotes plus event and telemetry readers.
type Remote struct {
	info      *topicinfo.ComponentInfo
	sess      *session.Session
	commands  map[string]*command.Remote
	events    map[string]*topic.ReadTopic
	telemetry map[string]*topic.ReadTopic
}

// NewRemote builds a Remote on client. Readers fill once Start is called.
func NewRemote(info *topicinfo.ComponentInfo, client broker.Client, opts RemoteOptions) (*Remote, error) {
	sess, err := session.New(info, client, session.Options{
		Index:       opts.Index,
		Identity:    opts.Identity,
		TopicPrefix: opts.TopicPrefix,
	})
	if err != nil {
		return nil, err
	}
	r := &Remote{
		info:      info,
		sess:      sess,
		commands:  make(map[string]*command.Remote),
		events:    make(map[string]*topic.ReadTopic),
		telemetry: make(map[string]*topic.ReadTopic),
	}

	for _, name := range opts.Include {
		_, evtErr := info.Event(name)
		_, telErr := info.Telemetry(name)
		if evtErr != nil && telErr != nil {
			return nil, fmt.Errorf("%w: %s has no event or telemetry %q", sal.ErrInvalidArgument, info.Name, name)
		}
	}
	wanted := func(name string) bool { return len(opts.Include) == 0 || slices.Contains(opts.Include, name) }

	eventHistory := 1
	if opts.NoEventHistory {
		eventHistory = 0
	}
	for _, name := range info.EventNames() {
		if !wanted(name) {
			continue
		}
		ti, _ := info.Event(name)
		if r.events[name], err = sess.AddReader(ti, topic.ReadConfig{QueueLen: opts.QueueLen, MaxHistory: eventHistory}); err != nil {
			return nil, err
		}
	}
	for _, name := range info.TelemetryNames() {
		if !wanted(name) {
			continue
		}
		ti, _ := info.Telemetry(name)
		if r.telemetry[name], err = sess.AddReader(ti, topic.ReadConfig{QueueLen: opts.QueueLen}); err != nil {
			return nil, err
		}
	}
	if !opts.ReadOnly {
		for _, name := range info.CommandNames() {
			if r.commands[name], err = sess.AddRemote(name); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Start starts the session and waits for the event history.
func (r *Remote) Start(ctx context.Context) error { return r.sess.Start(ctx) }

// Close aborts pending commands and closes the readers.
func (r *Remote) Close() error { return r.sess.Close() }

// Session returns the underlying session.
func (r *Remote) Session() *session.Session { return r.sess }

// Command returns the remote of a command.
func (r *Remote) Command(name string) (*command.Remote, error) {
	cmd, ok := r.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: no command %q for %s", sal.ErrInvalidArgument, name, r.info.Name)
	}
	return cmd, nil
}

// Event returns the reader of an event.
func (r *Remote) Event(name string) (*topic.ReadTopic, error) {
	rt, ok := r.events[name]
	if !ok {
		return nil, fmt.Errorf("%w: not reading event %q of %s", sal.ErrInvalidArgument, name, r.info.Name)
	}
	return rt, nil
}

// Telemetry returns the reader of a telemetry topic.
func (r *Remote) Telemetry(name string) (*topic.ReadTopic, error) {
	rt, ok := r.telemetry[name]
	if !ok {
		return nil, fmt.Errorf("%w: not reading telemetry %q of %s", sal.ErrInvalidArgument, name, r.info.Name)
	}
	return rt, nil
}

// Readers returns every event and telemetry reader.
func (r *Remote) Readers() []*topic.ReadTopic {
	out := make([]*topic.ReadTopic, 0, len(r.events)+len(r.telemetry))
	for _, rt := range r.events {
		out = append(out, rt)
	}
	for _, rt := range r.telemetry {
		out = append(out, rt)
	}
	return out
}

// SummaryState returns the last reported summary state, waiting for one if none arrived yet.
func (r *Remote) SummaryState(ctx context.Context) (sal.State, error) {
	rt, err := r.Event(topicinfo.EvtSummaryState)
	if err != nil {
		return 0, err
	}
	s := rt.Get()
	if s == nil {
		if s, err = rt.Next(ctx, false); err != nil {
			return 0, err
		}
	}
	return sal.State(s.GetInt("summaryState")), nil
}

// StatePath returns the commands that take a component from one state to another.
// The fault command is never part of a path.
func StatePath(from, to sal.State) ([]string, error) {
	type node struct {
		state sal.State
		path  []string
	}
	seen := map[sal.State]bool{from: true}
	queue := []node{{state: from}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.state == to {
			return n.path, nil
		}
		for _, t := range transitions {
			if t.event == topicinfo.CmdFault {
				continue
			}
			next, ok := destination(t.event, n.state)
			if !ok || seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, node{state: next, path: append(slices.Clone(n.path), t.event)})
		}
	}
	return nil, fmt.Errorf("%w: no path from %s to %s", sal.ErrInvalidArgument, from, to)
}

// SetSummaryState sends the commands that take the component to target, passing settings to start.
// It returns the states the component went through, starting with the current one.
func (r *Remote) SetSummaryState(ctx context.Context, target sal.State, settings string, timeout time.Duration) ([]sal.State, error) {
	current, err := r.SummaryState(ctx)
	if err != nil {
		return nil, err
	}
	path, err := StatePath(current, target)
	if err != nil {
		return nil, err
	}

	states := []sal.State{current}
	for _, name := range path {
		cmd, err := r.Command(name)
		if err != nil {
			return states, err
		}
		var fields map[string]any
		if name == topicinfo.CmdStart && current == sal.StateStandby {
			fields = map[string]any{"configurationOverride": settings}
		}
		if _, err := cmd.Start(ctx, fields, timeout, true); err != nil {
			return states, fmt.Errorf("%s in state %s: %w", name, current, err)
		}
		current, _ = destination(name, current)
		states = append(states, current)
	}
	return states, nil
}
