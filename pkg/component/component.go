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

// Package component runs a controllable component: the summary state machine driven by the
// generic commands, plus heartbeat, error, log and settings events.
package component

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/salbus/internal/fsm"
	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/command"
	"github.com/united-manufacturing-hub/salbus/pkg/env"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/session"
	"github.com/united-manufacturing-hub/salbus/pkg/settings"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

const (
	// DefaultHeartbeatInterval is used when neither Options nor SALBUS_HEARTBEAT_INTERVAL set one.
	DefaultHeartbeatInterval = time.Second

	// FaultCommandCode is the error code reported when the fault command is received.
	FaultCommandCode = 1

	// MaxHeartbeatFailures is how many failed heartbeats in a row are tolerated before they are reported.
	MaxHeartbeatFailures = 3
)

// Transition describes one step of the summary state machine.
type Transition struct {
	// Command is the state machine event, such as "start"; enable from STANDBY runs start then enable.
	Command string
	From    sal.State
	To      sal.State
	// Data is the command that triggered the transition; nil at start up.
	Data *sal.Sample
}

// Hooks let the application take part in state changes. Every hook is optional.
type Hooks struct {
	// BeginTransition runs before the state changes; an error keeps the current state.
	BeginTransition func(ctx context.Context, t Transition) error
	// EndTransition runs after the state changed; an error reverts to t.From.
	EndTransition func(ctx context.Context, t Transition) error
	// Configure receives the validated settings when going from STANDBY to DISABLED.
	Configure func(ctx context.Context, settings map[string]any) error
	// SimulationMode is called once at start with the requested mode.
	SimulationMode func(ctx context.Context, mode int) error
	// SummaryState is called after each summaryState event.
	SummaryState func(ctx context.Context, state sal.State)
}

// Options configure a component.
type Options struct {
	Index       int
	Identity    string
	TopicPrefix string

	// InitialState is STANDBY when zero. DISABLED and ENABLED apply Settings at start.
	InitialState sal.State
	Settings     string

	// SettingsDir holds settings files and _labels.yaml; SettingsSchema validates them.
	SettingsDir    string
	SettingsSchema []byte

	SimulationMode int
	// ValidSimulationModes lists the accepted modes; only 0 when empty.
	ValidSimulationModes []int

	HeartbeatInterval time.Duration

	// AllowMissingCallbacks lets Start succeed with commands that have no handler.
	AllowMissingCallbacks bool
	// ConcurrentCommands may run several instances at once.
	ConcurrentCommands []string
}

var genericCommands = map[string]bool{
	topicinfo.CmdStart:       true,
	topicinfo.CmdEnable:      true,
	topicinfo.CmdDisable:     true,
	topicinfo.CmdStandby:     true,
	topicinfo.CmdExitControl: true,
	topicinfo.CmdFault:       true,
	topicinfo.CmdSetLogLevel: true,
}

// Component is the server side of a controllable component.
type Component struct {
	info    *topicinfo.ComponentInfo
	sess    *session.Session
	hooks   Hooks
	opts    Options
	log     *zap.SugaredLogger
	level   zap.AtomicLevel
	records chan zapcore.Entry

	machine     *fsm.Machine
	controllers map[string]*command.Controller
	events      map[string]*topic.WriteTopic
	telemetry   map[string]*topic.WriteTopic

	settingsDir *settings.Dir
	validator   *settings.Validator
	heartbeat   time.Duration

	// stateMu serializes state changes.
	stateMu  sync.Mutex
	settings map[string]any

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a component on client. The component reads its commands and writes its
// events and telemetry once Start is called.
func New(info *topicinfo.ComponentInfo, client broker.Client, hooks Hooks, opts Options) (*Component, error) {
	if opts.InitialState == 0 {
		opts.InitialState = sal.StateStandby
	}
	switch opts.InitialState {
	case sal.StateOffline, sal.StateStandby, sal.StateDisabled, sal.StateEnabled:
	default:
		return nil, fmt.Errorf("%w: invalid initial state %s", sal.ErrInvalidArgument, opts.InitialState)
	}
	if len(opts.ValidSimulationModes) == 0 {
		opts.ValidSimulationModes = []int{0}
	}
	if !slices.Contains(opts.ValidSimulationModes, opts.SimulationMode) {
		return nil, fmt.Errorf("%w: simulation mode %d not in %v", sal.ErrInvalidArgument, opts.SimulationMode, opts.ValidSimulationModes)
	}
	if opts.HeartbeatInterval <= 0 {
		interval, err := env.GetAsDuration("SALBUS_HEARTBEAT_INTERVAL", false, DefaultHeartbeatInterval)
		if err != nil {
			return nil, err
		}
		opts.HeartbeatInterval = interval
	}

	sess, err := session.New(info, client, session.Options{
		Index:       opts.Index,
		Identity:    opts.Identity,
		TopicPrefix: opts.TopicPrefix,
	})
	if err != nil {
		return nil, err
	}

	c := &Component{
		info:        info,
		sess:        sess,
		hooks:       hooks,
		opts:        opts,
		level:       zap.NewAtomicLevelAt(logger.Level()),
		records:     make(chan zapcore.Entry, logQueueLen),
		controllers: make(map[string]*command.Controller),
		events:      make(map[string]*topic.WriteTopic),
		telemetry:   make(map[string]*topic.WriteTopic),
		heartbeat:   opts.HeartbeatInterval,
		done:        make(chan struct{}),
	}
	c.log = c.newLogger()

	if opts.SettingsSchema != nil {
		if c.validator, err = settings.NewValidator(opts.SettingsSchema); err != nil {
			return nil, err
		}
	}
	if opts.SettingsDir != "" {
		if c.validator == nil {
			return nil, fmt.Errorf("%w: settings directory %s needs a schema", sal.ErrInvalidArgument, opts.SettingsDir)
		}
		if c.settingsDir, err = settings.OpenDir(opts.SettingsDir, logger.For(logger.ComponentSettings)); err != nil {
			return nil, err
		}
	}

	for _, name := range info.EventNames() {
		ti, _ := info.Event(name)
		if c.events[name], err = sess.AddWriter(ti); err != nil {
			return nil, err
		}
	}
	for _, name := range info.TelemetryNames() {
		ti, _ := info.Telemetry(name)
		if c.telemetry[name], err = sess.AddWriter(ti); err != nil {
			return nil, err
		}
	}
	for _, name := range info.CommandNames() {
		ctrl, err := sess.AddController(name, slices.Contains(opts.ConcurrentCommands, name))
		if err != nil {
			return nil, err
		}
		ctrl.SetErrorHook(c.onCommandError)
		c.controllers[name] = ctrl
	}

	c.machine = newMachine(info.Name, opts.InitialState, c.onEnterState)
	c.installGenericHandlers()
	return c, nil
}

// Info returns the component description.
func (c *Component) Info() *topicinfo.ComponentInfo { return c.info }

// Session returns the underlying session.
func (c *Component) Session() *session.Session { return c.sess }

// Logger returns the component logger; its entries are also published as logMessage events.
func (c *Component) Logger() *zap.SugaredLogger { return c.log }

// State returns the current summary state.
func (c *Component) State() sal.State {
	state, err := sal.ParseState(c.machine.Current())
	if err != nil {
		return sal.StateFault
	}
	return state
}

// SimulationMode returns the simulation mode the component was started with.
func (c *Component) SimulationMode() int { return c.opts.SimulationMode }

// Settings returns the settings applied by the last start.
func (c *Component) Settings() map[string]any {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.settings
}

// Event returns the writer of an event.
func (c *Component) Event(name string) (*topic.WriteTopic, error) {
	wt, ok := c.events[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no event %q", sal.ErrInvalidArgument, c.info.Name, name)
	}
	return wt, nil
}

// Telemetry returns the writer of a telemetry topic.
func (c *Component) Telemetry(name string) (*topic.WriteTopic, error) {
	wt, ok := c.telemetry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no telemetry %q", sal.ErrInvalidArgument, c.info.Name, name)
	}
	return wt, nil
}

// Controller returns the controller of a command.
func (c *Component) Controller(name string) (*command.Controller, error) {
	ctrl, ok := c.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no command %q", sal.ErrInvalidArgument, c.info.Name, name)
	}
	return ctrl, nil
}

// SetHandler installs the handler of a component specific command.
func (c *Component) SetHandler(name string, h command.Handler) error {
	if genericCommands[name] {
		return fmt.Errorf("%w: %s is a generic command", sal.ErrInvalidArgument, name)
	}
	ctrl, err := c.Controller(name)
	if err != nil {
		return err
	}
	ctrl.SetHandler(h)
	return nil
}

// AssertEnabled returns an expected error unless the component is ENABLED.
func (c *Component) AssertEnabled(action string) error {
	if state := c.State(); state != sal.StateEnabled {
		return sal.ExpectedErrorf("%s not allowed in state %s", action, state)
	}
	return nil
}

// Done is closed once the component quit after exitControl, or was closed.
func (c *Component) Done() <-chan struct{} { return c.done }

func (c *Component) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Component) missingHandlers() []string {
	var missing []string
	for name, ctrl := range c.controllers {
		if !genericCommands[name] && !ctrl.HasHandler() {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Start starts the session, applies the simulation mode and initial settings, and publishes
// the initial events. It fails when a component specific command has no handler, unless
// AllowMissingCallbacks is set.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s already started", sal.ErrProtocolViolation, c.info.Name)
	}
	c.started = true
	c.mu.Unlock()

	if missing := c.missingHandlers(); len(missing) > 0 {
		if !c.opts.AllowMissingCallbacks {
			return fmt.Errorf("%w: no handler for commands %v", sal.ErrInvalidArgument, missing)
		}
		c.log.Warnf("Commands without handler will fail: %v", missing)
	}

	if err := c.sess.Start(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go c.forwardLogs(loopCtx)

	if err := c.applySimulationMode(ctx); err != nil {
		return err
	}

	c.stateMu.Lock()
	err := c.startInState(ctx)
	c.stateMu.Unlock()
	if err != nil {
		return err
	}

	if err := c.publishLogLevel(ctx, ""); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.heartbeatLoop(loopCtx)

	c.log.Infof("%s:%d started in %s", c.info.Name, c.sess.Index(), c.State())
	return nil
}

func (c *Component) startInState(ctx context.Context) error {
	if state := c.opts.InitialState; state == sal.StateDisabled || state == sal.StateEnabled {
		if err := c.configure(ctx, c.opts.Settings); err != nil {
			return fmt.Errorf("applying initial settings: %w", err)
		}
	}
	return c.reportSummaryState(ctx, true)
}

func (c *Component) applySimulationMode(ctx context.Context) error {
	mode := c.opts.SimulationMode
	if c.hooks.SimulationMode != nil {
		if err := c.hooks.SimulationMode(ctx, mode); err != nil {
			return fmt.Errorf("setting simulation mode %d: %w", mode, err)
		}
	}
	_, err := c.events[topicinfo.EvtSimulationMode].SetWrite(ctx, map[string]any{"mode": mode}, true)
	return err
}

// Close stops the background loops and the session. It is safe to call more than once.
func (c *Component) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.sess.Close()
	c.wg.Wait()
	c.finish()
	return err
}
