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

package topic_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topic"
)

func newMonitor(queueLen int) (*topic.QueueCapacityMonitor, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	m, err := topic.NewQueueCapacityMonitor("test queue", queueLen, zap.New(core).Sugar())
	Expect(err).NotTo(HaveOccurred())
	return m, logs
}

var _ = Describe("QueueCapacityMonitor", func() {
	DescribeTable("thresholds",
		func(queueLen int, expected []int) {
			m, _ := newMonitor(queueLen)
			Expect(m.WarnThresholds).To(Equal(expected))
		},
		Entry("10", 10, []int{5, 9, 10}),
		Entry("19", 19, []int{5, 9, 18, 19}),
		Entry("20", 20, []int{5, 10, 18, 20}),
		Entry("100", 100, []int{5, 50, 90, 100}),
	)

	It("rejects short queues", func() {
		for _, n := range []int{-1, 0, 1, 9} {
			_, err := topic.NewQueueCapacityMonitor("q", n, nil)
			Expect(err).To(MatchError(sal.ErrInvalidArgument))
		}
	})

	It("has ascending thresholds ending at the queue length", func() {
		for q := 10; q <= 500; q++ {
			m, _ := newMonitor(q)
			thr := m.WarnThresholds
			Expect(thr[0]).To(Equal(5))
			Expect(thr[len(thr)-1]).To(Equal(q))
			for i := 1; i < len(thr); i++ {
				Expect(thr[i]).To(BeNumerically(">", thr[i-1]))
			}
		}
	})

	It("runs scenario A", func() {
		m, logs := newMonitor(10)

		for n := 1; n <= 5; n++ {
			m.CheckNItems(n)
		}
		Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(Equal(1))
		Expect(logs.All()[0].Message).To(Equal("test queue is filling: 5 of 10 elements"))
		warn, ok := m.WarnThreshold()
		Expect(ok).To(BeTrue())
		Expect(warn).To(Equal(9))

		for n := 6; n <= 9; n++ {
			m.CheckNItems(n)
		}
		Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(Equal(2))
		warn, _ = m.WarnThreshold()
		Expect(warn).To(Equal(10))

		for n := 8; n >= 4; n-- {
			Expect(m.CheckNItems(n)).To(BeFalse())
		}
		_, ok = m.ResetThreshold()
		Expect(ok).To(BeFalse())
		warn, _ = m.WarnThreshold()
		Expect(warn).To(Equal(5))
		Expect(logs.Len()).To(Equal(2))
	})

	It("logs an error when full", func() {
		m, logs := newMonitor(10)
		Expect(m.CheckNItems(10)).To(BeTrue())
		Expect(logs.FilterLevelExact(zapcore.ErrorLevel).Len()).To(Equal(1))
		Expect(logs.All()[0].Message).To(Equal("test queue is full (10 elements); data may be lost"))
		_, ok := m.WarnThreshold()
		Expect(ok).To(BeFalse())
		reset, ok := m.ResetThreshold()
		Expect(ok).To(BeTrue())
		Expect(reset).To(Equal(5))
		Expect(m.CheckNItems(10)).To(BeFalse())
	})

	It("keeps reset below warn and logs once per crossing", func() {
		rng := rand.New(rand.NewSource(1))
		for _, q := range []int{10, 33, 100} {
			m, logs := newMonitor(q)
			for i := 0; i < 2000; i++ {
				n := rng.Intn(q + 1)

				warnBefore, warnOK := m.WarnThreshold()
				logged := m.CheckNItems(n)
				Expect(logged).To(Equal(warnOK && n >= warnBefore))

				warn, wok := m.WarnThreshold()
				reset, rok := m.ResetThreshold()
				if wok && rok {
					Expect(reset).To(BeNumerically("<", warn))
				}
				// Calling again with the same fill level never logs.
				Expect(m.CheckNItems(n)).To(BeFalse())
			}
			Expect(logs.Len()).To(BeNumerically(">", 0))
		}
	})
})
