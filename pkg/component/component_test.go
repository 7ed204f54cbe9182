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

package component_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/component"
	"github.com/united-manufacturing-hub/salbus/pkg/component/testcomponent"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

const cmdTimeout = 2 * time.Second

var _ = Describe("Component", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mem    *broker.Memory
		hooks  component.Hooks
		opts   component.Options
		comp   *testcomponent.TestComponent
		remote *component.Remote
	)

	startComponent := func() {
		var err error
		comp, err = testcomponent.New(mem, hooks, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(comp.Start(ctx)).To(Succeed())
	}

	startRemote := func() {
		info, err := testcomponent.Info()
		Expect(err).NotTo(HaveOccurred())
		remote, err = component.NewRemote(info, mem, component.RemoteOptions{Index: 1, TopicPrefix: "test"})
		Expect(err).NotTo(HaveOccurred())
		Expect(remote.Start(ctx)).To(Succeed())
	}

	nextEvent := func(name string) *sal.Sample {
		rt, err := remote.Event(name)
		Expect(err).NotTo(HaveOccurred())
		s, err := rt.Next(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	nextState := func() sal.State {
		return sal.State(nextEvent(topicinfo.EvtSummaryState).GetInt("summaryState"))
	}

	run := func(name string, fields map[string]any) error {
		cmd, err := remote.Command(name)
		Expect(err).NotTo(HaveOccurred())
		_, err = cmd.Start(ctx, fields, cmdTimeout, true)
		return err
	}

	expectFailed := func(err error, result string) {
		var ackErr *sal.AckError
		Expect(errors.As(err, &ackErr)).To(BeTrue(), "got %v", err)
		Expect(ackErr.Ack).To(Equal(sal.AckFailed))
		Expect(ackErr.Result).To(ContainSubstring(result))
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		mem = broker.NewMemory(0)
		hooks = component.Hooks{}
		opts = component.Options{
			Index:             1,
			TopicPrefix:       "test",
			HeartbeatInterval: 20 * time.Millisecond,
			SettingsDir:       "testdata/settings",
		}
		comp, remote = nil, nil
	})

	AfterEach(func() {
		if remote != nil {
			Expect(remote.Close()).To(Succeed())
		}
		if comp != nil {
			Expect(comp.Close()).To(Succeed())
		}
		Expect(mem.Close()).To(Succeed())
		cancel()
	})

	Context("at start", func() {
		It("reports its state, simulation mode, log level and settings", func() {
			startComponent()
			startRemote()

			Expect(comp.State()).To(Equal(sal.StateStandby))
			Expect(nextState()).To(Equal(sal.StateStandby))
			Expect(nextEvent(topicinfo.EvtSimulationMode).GetInt("mode")).To(BeZero())
			Expect(nextEvent(topicinfo.EvtLogLevel).GetString("subsystem")).To(BeEmpty())

			versions := nextEvent(topicinfo.EvtSettingVersions)
			Expect(versions.GetString("recommendedSettingsLabels")).To(Equal("all,invalid"))
			Expect(versions.GetString("settingsUrl")).To(HavePrefix("file://"))
			Expect(versions.GetString("settingsUrl")).To(HaveSuffix("testdata/settings"))
		})

		It("publishes heartbeats", func() {
			startComponent()
			startRemote()
			first := nextEvent(topicinfo.EvtHeartbeat)
			second := nextEvent(topicinfo.EvtHeartbeat)
			Expect(second.SeqNum).To(BeNumerically(">", first.SeqNum))
		})

		It("applies settings when starting in ENABLED", func() {
			var applied map[string]any
			hooks.Configure = func(_ context.Context, settings map[string]any) error {
				applied = settings
				return nil
			}
			opts.InitialState = sal.StateEnabled
			opts.Settings = "all"
			startComponent()
			startRemote()

			Expect(nextState()).To(Equal(sal.StateEnabled))
			Expect(applied).To(HaveKeyWithValue("string0", "an arbitrary string"))
			Expect(nextEvent(topicinfo.EvtSettingsApplied).GetString("settingsVersion")).To(Equal("all"))
		})

		It("refuses an invalid simulation mode", func() {
			opts.SimulationMode = 2
			_, err := testcomponent.New(mem, hooks, opts)
			Expect(err).To(MatchError(sal.ErrInvalidArgument))
		})

		It("passes a valid simulation mode to the hook", func() {
			var mode int
			hooks.SimulationMode = func(_ context.Context, m int) error {
				mode = m
				return nil
			}
			opts.SimulationMode = 1
			opts.ValidSimulationModes = []int{0, 1}
			startComponent()
			startRemote()
			Expect(mode).To(Equal(1))
			Expect(nextEvent(topicinfo.EvtSimulationMode).GetInt("mode")).To(Equal(int64(1)))
		})

		It("refuses an initial state of FAULT", func() {
			opts.InitialState = sal.StateFault
			_, err := testcomponent.New(mem, hooks, opts)
			Expect(err).To(MatchError(sal.ErrInvalidArgument))
		})
	})

	Context("state commands", func() {
		BeforeEach(func() {
			startComponent()
			startRemote()
			Expect(nextState()).To(Equal(sal.StateStandby))
		})

		It("enables from STANDBY through DISABLED before completing", func() {
			Expect(run(topicinfo.CmdEnable, nil)).To(Succeed())

			rt, err := remote.Event(topicinfo.EvtSummaryState)
			Expect(err).NotTo(HaveOccurred())
			Expect(rt.NQueued()).To(Equal(2))
			Expect(nextState()).To(Equal(sal.StateDisabled))
			Expect(nextState()).To(Equal(sal.StateEnabled))
			Expect(comp.State()).To(Equal(sal.StateEnabled))
			Expect(comp.Settings()).To(HaveKeyWithValue("int0", BeNumerically("==", 5)))
		})

		It("fails a command that is not allowed in the current state", func() {
			expectFailed(run(topicinfo.CmdDisable, nil), "not allowed in state STANDBY")
			Expect(comp.State()).To(Equal(sal.StateStandby))
		})

		It("applies the settings named by start", func() {
			Expect(run(topicinfo.CmdStart, map[string]any{"configurationOverride": "all"})).To(Succeed())
			Expect(nextState()).To(Equal(sal.StateDisabled))
			Expect(comp.Settings()).To(HaveKeyWithValue("multi_type", BeNumerically("==", 3)))
			Expect(nextEvent(topicinfo.EvtSettingsApplied).GetString("settingsVersion")).To(Equal("all"))
		})

		It("stays in STANDBY when the settings are invalid", func() {
			expectFailed(run(topicinfo.CmdStart, map[string]any{"configurationOverride": "invalid"}), "int0")
			Expect(comp.State()).To(Equal(sal.StateStandby))

			expectFailed(run(topicinfo.CmdStart, map[string]any{"configurationOverride": "nosuchfile.yaml"}), "nosuchfile")
			Expect(comp.State()).To(Equal(sal.StateStandby))
		})

		It("goes back to STANDBY and exits", func() {
			Expect(run(topicinfo.CmdEnable, nil)).To(Succeed())
			Expect(run(topicinfo.CmdDisable, nil)).To(Succeed())
			Expect(run(topicinfo.CmdStandby, nil)).To(Succeed())
			Expect(run(topicinfo.CmdExitControl, nil)).To(Succeed())
			Expect(comp.State()).To(Equal(sal.StateOffline))
			Eventually(comp.Done()).Should(BeClosed())
		})

		It("goes to FAULT on the fault command and recovers with standby", func() {
			Expect(run(topicinfo.CmdFault, nil)).To(Succeed())
			errorCode := nextEvent(topicinfo.EvtErrorCode)
			Expect(errorCode.GetInt("errorCode")).To(Equal(int64(component.FaultCommandCode)))
			Expect(nextState()).To(Equal(sal.StateFault))

			expectFailed(run(topicinfo.CmdEnable, nil), "not allowed in state FAULT")
			Expect(run(topicinfo.CmdStandby, nil)).To(Succeed())
			Expect(nextState()).To(Equal(sal.StateStandby))
		})

		It("reports a fault with its code and report", func() {
			Expect(comp.Fault(ctx, 7, "motor stuck")).To(Succeed())
			errorCode := nextEvent(topicinfo.EvtErrorCode)
			Expect(errorCode.GetInt("errorCode")).To(Equal(int64(7)))
			Expect(errorCode.GetString("errorReport")).To(Equal("motor stuck"))
			Expect(nextState()).To(Equal(sal.StateFault))
		})
	})

	Context("transition hooks", func() {
		It("keeps the state when the begin hook fails", func() {
			hooks.BeginTransition = func(_ context.Context, t component.Transition) error {
				if t.Command == topicinfo.CmdStart {
					return sal.ExpectedErrorf("not now")
				}
				return nil
			}
			startComponent()
			startRemote()
			Expect(nextState()).To(Equal(sal.StateStandby))

			expectFailed(run(topicinfo.CmdStart, nil), "not now")
			Expect(comp.State()).To(Equal(sal.StateStandby))
			rt, err := remote.Event(topicinfo.EvtSummaryState)
			Expect(err).NotTo(HaveOccurred())
			Expect(rt.NQueued()).To(BeZero())
		})

		It("reverts the state when the end hook fails", func() {
			hooks.EndTransition = func(_ context.Context, t component.Transition) error {
				if t.Command == topicinfo.CmdEnable {
					return errors.New("hardware did not respond")
				}
				return nil
			}
			startComponent()
			startRemote()
			Expect(nextState()).To(Equal(sal.StateStandby))

			expectFailed(run(topicinfo.CmdEnable, nil), "hardware did not respond")
			Expect(nextState()).To(Equal(sal.StateDisabled))
			Expect(nextState()).To(Equal(sal.StateEnabled))
			Expect(nextState()).To(Equal(sal.StateDisabled))
			Expect(comp.State()).To(Equal(sal.StateDisabled))
		})

		It("goes to FAULT when a hook returns a fault error", func() {
			hooks.BeginTransition = func(_ context.Context, t component.Transition) error {
				if t.Command == topicinfo.CmdEnable {
					return sal.NewFaultError(5, errors.New("interlock open"))
				}
				return nil
			}
			opts.InitialState = sal.StateDisabled
			startComponent()
			startRemote()
			Expect(nextState()).To(Equal(sal.StateDisabled))

			expectFailed(run(topicinfo.CmdEnable, nil), "interlock open")
			Expect(nextEvent(topicinfo.EvtErrorCode).GetInt("errorCode")).To(Equal(int64(5)))
			Expect(nextState()).To(Equal(sal.StateFault))
		})

		It("tells the summary state hook about each state", func() {
			states := make(chan sal.State, 10)
			hooks.SummaryState = func(_ context.Context, state sal.State) { states <- state }
			startComponent()
			startRemote()
			Expect(run(topicinfo.CmdEnable, nil)).To(Succeed())
			Expect(states).To(Receive(Equal(sal.StateStandby)))
			Expect(states).To(Receive(Equal(sal.StateDisabled)))
			Expect(states).To(Receive(Equal(sal.StateEnabled)))
		})
	})

	Context("component commands", func() {
		BeforeEach(func() {
			startComponent()
			startRemote()
		})

		It("refuses setScalars unless enabled", func() {
			expectFailed(run("setScalars", map[string]any{"int0": 3}), "not allowed in state STANDBY")
		})

		It("echoes setScalars as event and telemetry", func() {
			Expect(run(topicinfo.CmdEnable, nil)).To(Succeed())
			Expect(run("setScalars", map[string]any{"int0": 3, "string0": "hello"})).To(Succeed())

			evt := nextEvent("scalars")
			Expect(evt.GetInt("int0")).To(Equal(int64(3)))
			Expect(evt.GetString("string0")).To(Equal("hello"))

			tel, err := remote.Telemetry("scalars")
			Expect(err).NotTo(HaveOccurred())
			s, err := tel.Next(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.GetInt("int0")).To(Equal(int64(3)))
		})

		It("runs wait commands concurrently", func() {
			Expect(run(topicinfo.CmdEnable, nil)).To(Succeed())
			cmd, err := remote.Command("wait")
			Expect(err).NotTo(HaveOccurred())

			started := time.Now()
			errs := make(chan error, 2)
			for _, d := range []float64{0.3, 0.2} {
				go func(d float64) {
					defer GinkgoRecover()
					_, err := cmd.Start(ctx, map[string]any{"duration": d}, cmdTimeout, true)
					errs <- err
				}(d)
			}
			Expect(<-errs).To(Succeed())
			Expect(<-errs).To(Succeed())
			Expect(time.Since(started)).To(BeNumerically("<", 500*time.Millisecond))
		})

		It("times out a wait that is not acknowledged in progress", func() {
			Expect(run(topicinfo.CmdEnable, nil)).To(Succeed())
			cmd, err := remote.Command("wait")
			Expect(err).NotTo(HaveOccurred())
			_, err = cmd.Start(ctx, map[string]any{"duration": -0.5}, 100*time.Millisecond, true)
			Expect(err).To(MatchError(sal.ErrTimeout))
		})
	})

	Context("logging", func() {
		BeforeEach(func() {
			startComponent()
			startRemote()
		})

		It("sets the component log level and publishes log messages", func() {
			Expect(run(topicinfo.CmdSetLogLevel, map[string]any{"level": component.LevelDebug})).To(Succeed())
			Eventually(func() int64 {
				rt, err := remote.Event(topicinfo.EvtLogLevel)
				Expect(err).NotTo(HaveOccurred())
				return rt.Get().GetInt("level")
			}).Should(Equal(int64(component.LevelDebug)))

			comp.Logger().Info("hello from the test")
			rt, err := remote.Event(topicinfo.EvtLogMessage)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() string {
				s := rt.Get()
				if s == nil {
					return ""
				}
				return s.GetString("message")
			}).Should(Equal("hello from the test"))
			s := rt.Get()
			Expect(s.GetInt("level")).To(Equal(int64(component.LevelInfo)))
			Expect(s.GetString("name")).To(Equal(testcomponent.Name))
			Expect(s.GetString("filePath")).To(HaveSuffix("component_test.go"))
		})
	})

	Context("remote", func() {
		It("walks the component to a requested state", func() {
			startComponent()
			startRemote()

			states, err := remote.SetSummaryState(ctx, sal.StateEnabled, "all", cmdTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(Equal([]sal.State{sal.StateStandby, sal.StateDisabled, sal.StateEnabled}))
			Expect(comp.Settings()).To(HaveKeyWithValue("string0", "an arbitrary string"))

			Eventually(func() sal.State {
				state, err := remote.SummaryState(ctx)
				Expect(err).NotTo(HaveOccurred())
				return state
			}).Should(Equal(sal.StateEnabled))
			states, err = remote.SetSummaryState(ctx, sal.StateStandby, "", cmdTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(Equal([]sal.State{sal.StateEnabled, sal.StateDisabled, sal.StateStandby}))
		})

		DescribeTable("finds the commands between two states",
			func(from, to sal.State, want []string) {
				path, err := component.StatePath(from, to)
				Expect(err).NotTo(HaveOccurred())
				Expect(path).To(Equal(want))
			},
			Entry("nothing to do", sal.StateEnabled, sal.StateEnabled, []string(nil)),
			Entry("standby to enabled", sal.StateStandby, sal.StateEnabled, []string{"start", "enable"}),
			Entry("enabled to offline", sal.StateEnabled, sal.StateOffline, []string{"disable", "standby", "exitControl"}),
			Entry("fault to disabled", sal.StateFault, sal.StateDisabled, []string{"standby", "start"}),
		)

		It("has no path into FAULT", func() {
			_, err := component.StatePath(sal.StateEnabled, sal.StateFault)
			Expect(err).To(MatchError(sal.ErrInvalidArgument))
		})
	})

	Context("missing handlers", func() {
		var info *topicinfo.ComponentInfo

		BeforeEach(func() {
			var err error
			info, err = topicinfo.NewComponentInfo(topicinfo.ComponentSpec{
				Name:     "Demo",
				Commands: []topicinfo.TopicSpec{{Name: "move", Fields: []topicinfo.FieldInfo{{Name: "position", Type: topicinfo.TypeDouble}}}},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses to start", func() {
			c, err := component.New(info, mem, component.Hooks{}, component.Options{TopicPrefix: "test"})
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()
			Expect(c.Start(ctx)).To(MatchError(sal.ErrInvalidArgument))
		})

		It("fails the command when allowed", func() {
			c, err := component.New(info, mem, component.Hooks{}, component.Options{TopicPrefix: "test", AllowMissingCallbacks: true})
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()
			Expect(c.Start(ctx)).To(Succeed())

			r, err := component.NewRemote(info, mem, component.RemoteOptions{TopicPrefix: "test", ReadOnly: false})
			Expect(err).NotTo(HaveOccurred())
			defer r.Close()
			Expect(r.Start(ctx)).To(Succeed())

			move, err := r.Command("move")
			Expect(err).NotTo(HaveOccurred())
			_, err = move.Start(ctx, map[string]any{"position": 1.0}, cmdTimeout, true)
			expectFailed(err, "not implemented")
		})

		It("refuses a handler for a generic command", func() {
			c, err := component.New(info, mem, component.Hooks{}, component.Options{TopicPrefix: "test"})
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()
			Expect(c.SetHandler(topicinfo.CmdEnable, nil)).To(MatchError(sal.ErrInvalidArgument))
		})
	})
})
