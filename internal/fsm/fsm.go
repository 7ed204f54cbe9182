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

// Package fsm wraps looplab/fsm with per-state enter callbacks and context guards.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// MinTimePerEvent is the least time a context must have left for SendEvent to start a transition.
const MinTimePerEvent = 5 * time.Millisecond

// Config holds the states and transitions of a Machine.
type Config struct {
	// ID names the machine in logs.
	ID           string
	InitialState string
	Transitions  []fsm.EventDesc
}

// Machine is a state machine whose enter-state callbacks are registered per state.
type Machine struct {
	cfg Config

	// mu protects callbacks
	mu        sync.RWMutex
	callbacks map[string]fsm.Callback

	fsm    *fsm.FSM
	logger *zap.SugaredLogger
}

// New builds a Machine in cfg.InitialState.
func New(cfg Config, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Machine{
		cfg:       cfg,
		callbacks: make(map[string]fsm.Callback),
		logger:    logger,
	}
	m.fsm = fsm.NewFSM(
		cfg.InitialState,
		fsm.Events(cfg.Transitions),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.mu.RLock()
				cb, ok := m.callbacks["enter_"+e.Dst]
				m.mu.RUnlock()
				if ok {
					cb(ctx, e)
				}
			},
		},
	)
	return m
}

// OnEnter registers the callback run after the machine entered state.
func (m *Machine) OnEnter(state string, cb fsm.Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks["enter_"+state] = cb
}

// ID returns the machine name.
func (m *Machine) ID() string { return m.cfg.ID }

// Current returns the current state.
func (m *Machine) Current() string { return m.fsm.Current() }

// Can reports whether event is allowed in the current state.
func (m *Machine) Can(event string) bool { return m.fsm.Can(event) }

// SetState forces the state without running callbacks; used to revert a failed transition.
func (m *Machine) SetState(state string) {
	m.logger.Debugf("Forcing %s to state %s", m.cfg.ID, state)
	m.fsm.SetState(state)
}

// SendEvent fires event. It refuses to start when ctx is done or too close to its deadline,
// since a transition cut short leaves looplab/fsm stuck in transition.
// An event that keeps the current state is not an error.
func (m *Machine) SendEvent(ctx context.Context, event string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < MinTimePerEvent {
		return fmt.Errorf("%s: not enough time left to send %s: %w", m.cfg.ID, event, context.DeadlineExceeded)
	}

	err := m.fsm.Event(ctx, event, args...)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) && noTransition.Err == nil {
		return nil
	}
	return err
}

// IsInvalidEvent reports whether err says the event is not allowed in the current state.
func IsInvalidEvent(err error) bool {
	var invalid fsm.InvalidEventError
	var unknown fsm.UnknownEventError
	return errors.As(err, &invalid) || errors.As(err, &unknown)
}
