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

package session_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/command"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/session"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

func demoInfo(indexed bool) *topicinfo.ComponentInfo {
	ci, err := topicinfo.NewComponentInfo(topicinfo.ComponentSpec{
		Name:     "Demo",
		Indexed:  indexed,
		Commands: []topicinfo.TopicSpec{{Name: "move", Fields: []topicinfo.FieldInfo{{Name: "position", Type: topicinfo.TypeDouble}}}},
		Events:   []topicinfo.TopicSpec{{Name: "inPosition", Fields: []topicinfo.FieldInfo{{Name: "inPosition", Type: topicinfo.TypeBoolean}}}},
		Telemetry: []topicinfo.TopicSpec{{Name: "position", Fields: []topicinfo.FieldInfo{
			{Name: "actual", Type: topicinfo.TypeFloat, Count: 2},
		}}},
	})
	Expect(err).NotTo(HaveOccurred())
	return ci
}

var _ = Describe("Session", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mem    *broker.Memory
		info   *topicinfo.ComponentInfo
		opened []*session.Session
	)

	newSession := func(index int) *session.Session {
		s, err := session.New(info, mem, session.Options{Index: index, TopicPrefix: "test"})
		Expect(err).NotTo(HaveOccurred())
		opened = append(opened, s)
		return s
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		mem = broker.NewMemory(0)
		info = demoInfo(false)
		opened = nil
	})

	AfterEach(func() {
		for _, s := range opened {
			Expect(s.Close()).To(Succeed())
		}
		Expect(mem.Close()).To(Succeed())
		cancel()
	})

	It("rejects an index for a component that is not indexed", func() {
		_, err := session.New(info, mem, session.Options{Index: 3})
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
	})

	It("defaults identity, origin and prefix", func() {
		s := newSession(0)
		Expect(s.Identity()).To(ContainSubstring("@"))
		Expect(s.Origin()).NotTo(BeZero())
		Expect(s.TopicPrefix()).To(Equal("test"))
	})

	It("round trips telemetry with increasing sequence numbers", func() {
		tel, err := info.Telemetry("position")
		Expect(err).NotTo(HaveOccurred())

		reader := newSession(0)
		rt, err := reader.AddReader(tel, topic.ReadConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Start(ctx)).To(Succeed())

		writer := newSession(0)
		wt, err := writer.AddWriter(tel)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Start(ctx)).To(Succeed())

		for i := 1; i <= 3; i++ {
			_, err := wt.SetWrite(ctx, map[string]any{"actual": []float64{float64(i), -float64(i)}}, false)
			Expect(err).NotTo(HaveOccurred())
		}

		for i := 1; i <= 3; i++ {
			s, err := rt.Next(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.SeqNum).To(Equal(int64(i)))
			Expect(s.Identity).To(Equal(writer.Identity()))
			Expect(s.Origin).To(Equal(writer.Origin()))
			Expect(s.RcvStamp).NotTo(BeZero())
			v, _ := s.Get("actual")
			Expect(v).To(Equal([]float64{float64(i), -float64(i)}))
		}
		Expect(rt.Get().SeqNum).To(Equal(int64(3)))
		Expect(rt.Get().SeqNum).To(Equal(int64(3)))
	})

	It("returns the one prior sample of a topic with a history of one", func() {
		evt, err := info.Event("inPosition")
		Expect(err).NotTo(HaveOccurred())

		writer := newSession(0)
		wt, err := writer.AddWriter(evt)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Start(ctx)).To(Succeed())
		_, err = wt.SetWrite(ctx, map[string]any{"inPosition": true}, false)
		Expect(err).NotTo(HaveOccurred())

		reader := newSession(0)
		rt, err := reader.AddReader(evt, topic.ReadConfig{MaxHistory: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Start(ctx)).To(Succeed())
		Expect(rt.Ready()).To(BeClosed())

		nextCtx, nextCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer nextCancel()
		s, err := rt.Next(nextCtx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.GetBool("inPosition")).To(BeTrue())
		Expect(s.SeqNum).To(Equal(int64(1)))
	})

	It("replays at most MaxHistory samples in order", func() {
		evt, err := info.Event("inPosition")
		Expect(err).NotTo(HaveOccurred())

		writer := newSession(0)
		wt, err := writer.AddWriter(evt)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 5; i++ {
			_, err = wt.SetWrite(ctx, map[string]any{"inPosition": i%2 == 0}, true)
			Expect(err).NotTo(HaveOccurred())
		}

		reader := newSession(0)
		rt, err := reader.AddReader(evt, topic.ReadConfig{MaxHistory: 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Start(ctx)).To(Succeed())

		Expect(rt.NQueued()).To(Equal(3))
		for _, seq := range []int64{3, 4, 5} {
			s, err := rt.Next(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.SeqNum).To(Equal(seq))
		}
	})

	It("replays nothing for commands", func() {
		cmdInfo, err := info.Command("move")
		Expect(err).NotTo(HaveOccurred())

		writer := newSession(0)
		wt, err := writer.AddWriter(cmdInfo)
		Expect(err).NotTo(HaveOccurred())
		_, err = wt.SetWrite(ctx, map[string]any{"position": 1.0}, true)
		Expect(err).NotTo(HaveOccurred())

		reader := newSession(0)
		rt, err := reader.AddReader(cmdInfo, topic.ReadConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Start(ctx)).To(Succeed())
		Consistently(rt.HasData, 50*time.Millisecond).Should(BeFalse())
	})

	It("refuses readers after start and duplicate readers", func() {
		evt, err := info.Event("inPosition")
		Expect(err).NotTo(HaveOccurred())
		tel, err := info.Telemetry("position")
		Expect(err).NotTo(HaveOccurred())

		s := newSession(0)
		_, err = s.AddReader(evt, topic.ReadConfig{})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.AddReader(evt, topic.ReadConfig{})
		Expect(err).To(MatchError(sal.ErrInvalidArgument))

		Expect(s.Start(ctx)).To(Succeed())
		_, err = s.AddReader(tel, topic.ReadConfig{})
		Expect(err).To(MatchError(sal.ErrProtocolViolation))
		Expect(s.Start(ctx)).To(MatchError(sal.ErrProtocolViolation))
	})

	It("drops malformed messages and keeps reading", func() {
		tel, err := info.Telemetry("position")
		Expect(err).NotTo(HaveOccurred())

		reader := newSession(0)
		rt, err := reader.AddReader(tel, topic.ReadConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Start(ctx)).To(Succeed())

		for i := 0; i < 12; i++ {
			_, err = mem.Publish(ctx, tel.BrokerTopic("test"), []byte("not json"))
			Expect(err).NotTo(HaveOccurred())
		}
		writer := newSession(0)
		wt, err := writer.AddWriter(tel)
		Expect(err).NotTo(HaveOccurred())
		_, err = wt.Write(ctx)
		Expect(err).NotTo(HaveOccurred())

		s, err := rt.Next(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.SeqNum).To(Equal(int64(1)))
		Expect(rt.NQueued()).To(BeZero())
	})

	It("backs off on poll errors and recovers", func() {
		tel, err := info.Telemetry("position")
		Expect(err).NotTo(HaveOccurred())

		reader := newSession(0)
		rt, err := reader.AddReader(tel, topic.ReadConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Start(ctx)).To(Succeed())

		mem.FailNextPolls(3, errors.New("broker unreachable"))
		writer := newSession(0)
		wt, err := writer.AddWriter(tel)
		Expect(err).NotTo(HaveOccurred())
		_, err = wt.Write(ctx)
		Expect(err).NotTo(HaveOccurred())

		Eventually(rt.HasData, 5*time.Second).Should(BeTrue())
	})

	It("aborts commands still waiting on close", func() {
		s := newSession(0)
		remote, err := s.AddRemote("move")
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Start(ctx)).To(Succeed())

		done := make(chan error, 1)
		go func() {
			_, err := remote.Start(ctx, nil, 5*time.Second, true)
			done <- err
		}()
		Eventually(s.Tracker().InFlight).Should(Equal(1))
		Expect(s.Close()).To(Succeed())

		var err2 error
		Eventually(done).Should(Receive(&err2))
		var ackErr *sal.AckError
		Expect(errors.As(err2, &ackErr)).To(BeTrue())
		Expect(ackErr.Ack).To(Equal(sal.AckAborted))
	})

	It("runs commands between two sessions", func() {
		ctrl := newSession(0)
		controller, err := ctrl.AddController("move", false)
		Expect(err).NotTo(HaveOccurred())
		controller.SetHandler(func(_ context.Context, cmd *sal.Sample) (*command.AckCmd, error) {
			if cmd.GetFloat("position") < 0 {
				return nil, sal.ExpectedErrorf("negative position")
			}
			return nil, nil
		})
		Expect(ctrl.Start(ctx)).To(Succeed())

		user := newSession(0)
		remote, err := user.AddRemote("move")
		Expect(err).NotTo(HaveOccurred())
		Expect(user.Start(ctx)).To(Succeed())

		ack, err := remote.Start(ctx, map[string]any{"position": 2.0}, time.Second, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.Ack).To(Equal(sal.AckComplete))

		_, err = remote.Start(ctx, map[string]any{"position": -2.0}, time.Second, true)
		var ackErr *sal.AckError
		Expect(errors.As(err, &ackErr)).To(BeTrue())
		Expect(ackErr.Ack).To(Equal(sal.AckFailed))
	})

	Context("for an indexed component", func() {
		BeforeEach(func() {
			info = demoInfo(true)
		})

		It("only delivers samples of its own index", func() {
			evt, err := info.Event("inPosition")
			Expect(err).NotTo(HaveOccurred())

			reader := newSession(1)
			rt, err := reader.AddReader(evt, topic.ReadConfig{})
			Expect(err).NotTo(HaveOccurred())
			Expect(reader.Start(ctx)).To(Succeed())

			for _, index := range []int{2, 1} {
				w := newSession(index)
				wt, err := w.AddWriter(evt)
				Expect(err).NotTo(HaveOccurred())
				_, err = wt.SetWrite(ctx, map[string]any{"inPosition": true}, false)
				Expect(err).NotTo(HaveOccurred())
			}

			s, err := rt.Next(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.SalIndex).To(Equal(1))
			Consistently(rt.HasData, 50*time.Millisecond).Should(BeTrue())
			Expect(rt.NQueued()).To(BeZero())
		})

		It("reads every index with index 0", func() {
			evt, err := info.Event("inPosition")
			Expect(err).NotTo(HaveOccurred())

			reader := newSession(0)
			rt, err := reader.AddReader(evt, topic.ReadConfig{})
			Expect(err).NotTo(HaveOccurred())
			Expect(reader.Start(ctx)).To(Succeed())

			for _, index := range []int{2, 1} {
				w := newSession(index)
				wt, err := w.AddWriter(evt)
				Expect(err).NotTo(HaveOccurred())
				_, err = wt.SetWrite(ctx, map[string]any{"inPosition": true}, false)
				Expect(err).NotTo(HaveOccurred())
			}
			Eventually(rt.NQueued).Should(Equal(2))
		})
	})
})
