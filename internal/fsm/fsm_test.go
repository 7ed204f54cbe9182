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

package fsm_test

import (
	"context"
	"time"

	looplab "github.com/looplab/fsm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/salbus/internal/fsm"
)

var _ = Describe("Machine", func() {
	var m *fsm.Machine

	BeforeEach(func() {
		m = fsm.New(fsm.Config{
			ID:           "door",
			InitialState: "closed",
			Transitions: []looplab.EventDesc{
				{Name: "open", Src: []string{"closed"}, Dst: "open"},
				{Name: "close", Src: []string{"open"}, Dst: "closed"},
				{Name: "break", Src: []string{"open", "closed", "broken"}, Dst: "broken"},
			},
		}, zaptest.NewLogger(GinkgoT()).Sugar())
	})

	It("runs the enter callback of the new state", func() {
		var entered []string
		m.OnEnter("open", func(_ context.Context, e *looplab.Event) {
			entered = append(entered, e.Src+"->"+m.Current())
		})

		Expect(m.SendEvent(context.Background(), "open")).To(Succeed())
		Expect(m.Current()).To(Equal("open"))
		Expect(entered).To(Equal([]string{"closed->open"}))
	})

	It("passes event arguments to the callback", func() {
		var got []interface{}
		m.OnEnter("open", func(_ context.Context, e *looplab.Event) { got = e.Args })
		Expect(m.SendEvent(context.Background(), "open", 42)).To(Succeed())
		Expect(got).To(Equal([]interface{}{42}))
	})

	It("reports events that are not allowed", func() {
		err := m.SendEvent(context.Background(), "close")
		Expect(err).To(HaveOccurred())
		Expect(fsm.IsInvalidEvent(err)).To(BeTrue())

		err = m.SendEvent(context.Background(), "fly")
		Expect(fsm.IsInvalidEvent(err)).To(BeTrue())
		Expect(m.Current()).To(Equal("closed"))
	})

	It("treats an event that keeps the state as success without callbacks", func() {
		calls := 0
		m.OnEnter("broken", func(context.Context, *looplab.Event) { calls++ })
		Expect(m.SendEvent(context.Background(), "break")).To(Succeed())
		Expect(m.SendEvent(context.Background(), "break")).To(Succeed())
		Expect(calls).To(Equal(1))
	})

	It("refuses to start without enough time left", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		Expect(m.SendEvent(ctx, "open")).To(MatchError(context.DeadlineExceeded))
		Expect(m.Current()).To(Equal("closed"))

		cancelled, cancelNow := context.WithCancel(context.Background())
		cancelNow()
		Expect(m.SendEvent(cancelled, "open")).To(MatchError(context.Canceled))
	})

	It("forces a state without callbacks", func() {
		calls := 0
		m.OnEnter("open", func(context.Context, *looplab.Event) { calls++ })
		m.SetState("open")
		Expect(m.Current()).To(Equal("open"))
		Expect(m.Can("close")).To(BeTrue())
		Expect(calls).To(BeZero())
	})
})
