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

	looplab "github.com/looplab/fsm"

	"github.com/united-manufacturing-hub/salbus/internal/fsm"
	"github.com/united-manufacturing-hub/salbus/pkg/command"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

type transition struct {
	event string
	from  []sal.State
	to    sal.State
}

var allStates = []sal.State{sal.StateOffline, sal.StateStandby, sal.StateDisabled, sal.StateEnabled, sal.StateFault}

var transitions = []transition{
	{topicinfo.CmdStart, []sal.State{sal.StateOffline}, sal.StateStandby},
	{topicinfo.CmdStart, []sal.State{sal.StateStandby}, sal.StateDisabled},
	{topicinfo.CmdEnable, []sal.State{sal.StateDisabled}, sal.StateEnabled},
	{topicinfo.CmdDisable, []sal.State{sal.StateEnabled}, sal.StateDisabled},
	{topicinfo.CmdStandby, []sal.State{sal.StateDisabled, sal.StateFault}, sal.StateStandby},
	{topicinfo.CmdExitControl, []sal.State{sal.StateStandby}, sal.StateOffline},
	{topicinfo.CmdFault, allStates, sal.StateFault},
}

// destination returns the state event leads to from state from.
func destination(event string, from sal.State) (sal.State, bool) {
	for _, t := range transitions {
		if t.event != event {
			continue
		}
		for _, s := range t.from {
			if s == from {
				return t.to, true
			}
		}
	}
	return 0, false
}

func newMachine(name string, initial sal.State, onEnter looplab.Callback) *fsm.Machine {
	descs := make([]looplab.EventDesc, 0, len(transitions))
	for _, t := range transitions {
		src := make([]string, len(t.from))
		for i, s := range t.from {
			src[i] = s.String()
		}
		descs = append(descs, looplab.EventDesc{Name: t.event, Src: src, Dst: t.to.String()})
	}
	m := fsm.New(fsm.Config{
		ID:           name,
		InitialState: initial.String(),
		Transitions:  descs,
	}, logger.For(logger.ComponentFSM))
	for _, s := range allStates {
		m.OnEnter(s.String(), onEnter)
	}
	return m
}

func (c *Component) onEnterState(ctx context.Context, e *looplab.Event) {
	c.log.Infof("%s: %s -> %s", e.Event, e.Src, e.Dst)
	if err := c.reportSummaryState(ctx, false); err != nil {
		sentry.ReportTaskError(c.log, c.info.Name, "summaryState", err)
	}
}

// reportSummaryState publishes the current state, and the settings versions in STANDBY.
func (c *Component) reportSummaryState(ctx context.Context, force bool) error {
	state := c.State()
	metrics.SetSummaryState(c.info.Name, int(state))
	if _, err := c.events[topicinfo.EvtSummaryState].SetWrite(ctx, map[string]any{"summaryState": int(state)}, force); err != nil {
		return fmt.Errorf("publishing summaryState %s: %w", state, err)
	}
	if state == sal.StateStandby && c.settingsDir != nil {
		if _, err := c.events[topicinfo.EvtSettingVersions].SetWrite(ctx, map[string]any{
			"recommendedSettingsLabels":  c.settingsDir.LabelsString(),
			"recommendedSettingsVersion": "",
			"settingsUrl":                c.settingsDir.URL(),
		}, false); err != nil {
			return fmt.Errorf("publishing settingVersions: %w", err)
		}
	}
	if c.hooks.SummaryState != nil {
		c.hooks.SummaryState(ctx, state)
	}
	return nil
}

func (c *Component) installGenericHandlers() {
	for _, name := range []string{
		topicinfo.CmdStart, topicinfo.CmdEnable, topicinfo.CmdDisable, topicinfo.CmdStandby, topicinfo.CmdExitControl,
	} {
		c.controllers[name].SetHandler(c.stateHandler(name))
	}
	c.controllers[topicinfo.CmdFault].SetHandler(func(ctx context.Context, _ *sal.Sample) (*command.AckCmd, error) {
		c.stateMu.Lock()
		defer c.stateMu.Unlock()
		return nil, c.fault(ctx, FaultCommandCode, "Fault command received", "")
	})
	c.controllers[topicinfo.CmdSetLogLevel].SetHandler(c.setLogLevel)
	c.controllers[topicinfo.CmdExitControl].SetFinishedHook(func(_ context.Context, _ *sal.Sample, ack command.AckCmd) {
		if ack.Ack == sal.AckComplete {
			c.log.Info("Exiting after exitControl")
			c.finish()
		}
	})
}

func (c *Component) stateHandler(name string) command.Handler {
	return func(ctx context.Context, cmd *sal.Sample) (*command.AckCmd, error) {
		return nil, c.changeState(ctx, name, cmd)
	}
}

// changeState runs the steps of a state command. enable from STANDBY goes through DISABLED.
func (c *Component) changeState(ctx context.Context, name string, cmd *sal.Sample) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	from := c.State()
	steps := []string{name}
	if name == topicinfo.CmdEnable && from == sal.StateStandby {
		steps = []string{topicinfo.CmdStart, topicinfo.CmdEnable}
	}
	if _, ok := destination(steps[0], from); !ok {
		return sal.ExpectedErrorf("%s not allowed in state %s", name, from)
	}
	for _, event := range steps {
		if err := c.step(ctx, event, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Component) step(ctx context.Context, event string, cmd *sal.Sample) error {
	from := c.State()
	to, ok := destination(event, from)
	if !ok {
		return sal.ExpectedErrorf("%s not allowed in state %s", event, from)
	}
	t := Transition{Command: event, From: from, To: to, Data: cmd}

	if c.hooks.BeginTransition != nil {
		if err := c.hooks.BeginTransition(ctx, t); err != nil {
			return fmt.Errorf("begin %s: %w", event, err)
		}
	}
	if event == topicinfo.CmdStart && from == sal.StateStandby {
		if err := c.configure(ctx, settingsName(cmd)); err != nil {
			return err
		}
	}
	if err := c.machine.SendEvent(ctx, event, t); err != nil {
		if fsm.IsInvalidEvent(err) {
			return sal.NewExpectedError(err)
		}
		return err
	}
	if c.hooks.EndTransition != nil {
		if err := c.hooks.EndTransition(ctx, t); err != nil {
			c.log.Warnf("end %s failed; reverting to %s: %v", event, from, err)
			c.machine.SetState(from.String())
			if reportErr := c.reportSummaryState(ctx, false); reportErr != nil {
				c.log.Errorf("Republishing summaryState: %v", reportErr)
			}
			return fmt.Errorf("end %s: %w", event, err)
		}
	}
	return nil
}

// settingsName is the configurationOverride of a start command, "" for any other command.
func settingsName(cmd *sal.Sample) string {
	if cmd == nil {
		return ""
	}
	return cmd.GetString("configurationOverride")
}

// configure loads and validates settings, hands them to the Configure hook and publishes settingsApplied.
func (c *Component) configure(ctx context.Context, name string) error {
	var (
		values map[string]any
		err    error
	)
	switch {
	case c.settingsDir != nil:
		values, err = c.settingsDir.Load(name, c.validator)
	case name != "":
		err = sal.ExpectedErrorf("%s has no settings directory; cannot apply %q", c.info.Name, name)
	case c.validator != nil:
		values, err = c.validator.Validate(nil)
	default:
		values = map[string]any{}
	}
	if err != nil {
		return err
	}

	if c.hooks.Configure != nil {
		if err := c.hooks.Configure(ctx, values); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}
	c.settings = values
	_, err = c.events[topicinfo.EvtSettingsApplied].SetWrite(ctx, map[string]any{
		"settingsVersion":     name,
		"otherSettingsEvents": "",
	}, true)
	return err
}

// Fault publishes errorCode and sends the component to FAULT.
func (c *Component) Fault(ctx context.Context, code int, report string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.fault(ctx, code, report, "")
}

func (c *Component) fault(ctx context.Context, code int, report, traceback string) error {
	c.log.Errorf("Fault %d: %s", code, report)
	if _, err := c.events[topicinfo.EvtErrorCode].SetWrite(ctx, map[string]any{
		"errorCode":   code,
		"errorReport": command.TruncateResult(report),
		"traceback":   traceback,
	}, true); err != nil {
		return fmt.Errorf("publishing errorCode: %w", err)
	}
	return c.machine.SendEvent(ctx, topicinfo.CmdFault)
}

func (c *Component) onCommandError(ctx context.Context, cmd *sal.Sample, err error) {
	code, ok := sal.FaultCode(err)
	if !ok {
		return
	}
	if faultErr := c.Fault(ctx, code, err.Error()); faultErr != nil {
		sentry.ReportTaskError(c.log, c.info.Name, "fault", faultErr)
	}
}
