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

// Package testcomponent is a small component for tests and for trying the bus from the command line.
// setScalars and setArrays echo their data as events and telemetry, wait sleeps.
package testcomponent

import (
	"context"
	_ "embed"
	"math"
	"time"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/command"
	"github.com/united-manufacturing-hub/salbus/pkg/component"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// Name of the component.
const Name = "Test"

var (
	//go:embed Test.yaml
	description []byte

	// Schema validates the settings of the component.
	//go:embed schema.yaml
	Schema []byte
)

// Info parses the component description.
func Info() (*topicinfo.ComponentInfo, error) {
	return topicinfo.ParseComponentInfo(description)
}

// TestComponent wraps a component.Component with the Test command handlers.
type TestComponent struct {
	*component.Component
}

// New builds the Test component. opts.SettingsSchema defaults to Schema, simulation modes 0 and 1
// are valid unless opts says otherwise, and wait may run concurrently.
func New(client broker.Client, hooks component.Hooks, opts component.Options) (*TestComponent, error) {
	info, err := Info()
	if err != nil {
		return nil, err
	}
	if opts.SettingsSchema == nil {
		opts.SettingsSchema = Schema
	}
	if len(opts.ValidSimulationModes) == 0 {
		opts.ValidSimulationModes = []int{0, 1}
	}
	opts.ConcurrentCommands = append(opts.ConcurrentCommands, "wait")

	c, err := component.New(info, client, hooks, opts)
	if err != nil {
		return nil, err
	}
	tc := &TestComponent{Component: c}
	for name, h := range map[string]command.Handler{
		"setScalars": tc.echo("scalars"),
		"setArrays":  tc.echo("arrays"),
		"wait":       tc.wait,
	} {
		if err := c.SetHandler(name, h); err != nil {
			return nil, err
		}
	}
	return tc, nil
}

// echo publishes the command data on the event and telemetry topic of the same name.
func (tc *TestComponent) echo(name string) command.Handler {
	return func(ctx context.Context, cmd *sal.Sample) (*command.AckCmd, error) {
		if err := tc.AssertEnabled("set" + name); err != nil {
			return nil, err
		}
		data := cmd.Map()
		evt, err := tc.Event(name)
		if err != nil {
			return nil, err
		}
		if _, err := evt.SetWrite(ctx, data, false); err != nil {
			return nil, err
		}
		tel, err := tc.Telemetry(name)
		if err != nil {
			return nil, err
		}
		_, err = tel.SetWrite(ctx, data, false)
		return nil, err
	}
}

func (tc *TestComponent) wait(ctx context.Context, cmd *sal.Sample) (*command.AckCmd, error) {
	if err := tc.AssertEnabled("wait"); err != nil {
		return nil, err
	}
	duration := cmd.GetFloat("duration")
	d := time.Duration(math.Abs(duration) * float64(time.Second))
	if duration >= 0 {
		ctrl, err := tc.Controller("wait")
		if err != nil {
			return nil, err
		}
		if err := ctrl.AckInProgress(ctx, cmd, d, ""); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}
