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

package broker_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/broker/brokertest"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

var _ = Describe("Memory", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mem    *broker.Memory
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		mem = broker.NewMemory(5)
	})

	AfterEach(func() {
		cancel()
		Expect(mem.Close()).To(Succeed())
	})

	publish := func(topic string, n int) {
		for i := 0; i < n; i++ {
			_, err := mem.Publish(ctx, topic, []byte{byte(i)})
			Expect(err).NotTo(HaveOccurred())
		}
	}

	It("reports watermarks and trims to the retention", func() {
		low, high, err := mem.WatermarkOffsets(ctx, "t")
		Expect(err).NotTo(HaveOccurred())
		Expect(low).To(BeZero())
		Expect(high).To(BeZero())

		publish("t", 8)
		low, high, err = mem.WatermarkOffsets(ctx, "t")
		Expect(err).NotTo(HaveOccurred())
		Expect(low).To(Equal(int64(3)))
		Expect(high).To(Equal(int64(8)))
	})

	It("replays from the start offset and then delivers new messages", func() {
		publish("t", 4)
		sub, err := mem.Subscribe(ctx, []string{"t", "u"}, broker.OffsetPolicy{StartOffsets: map[string]int64{"t": 2}})
		Expect(err).NotTo(HaveOccurred())
		defer sub.Close()

		publish("u", 1)

		offsets := []int64{}
		topics := []string{}
		for i := 0; i < 3; i++ {
			msg, err := sub.Poll(ctx)
			Expect(err).NotTo(HaveOccurred())
			offsets = append(offsets, msg.Offset)
			topics = append(topics, msg.Topic)
		}
		Expect(offsets).To(Equal([]int64{2, 3, 0}))
		Expect(topics).To(Equal([]string{"t", "t", "u"}))
	})

	It("only delivers new messages without a start offset", func() {
		publish("t", 2)
		sub, err := mem.Subscribe(ctx, []string{"t"}, broker.OnlyNew())
		Expect(err).NotTo(HaveOccurred())
		defer sub.Close()

		short, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer shortCancel()
		_, err = sub.Poll(short)
		Expect(err).To(MatchError(context.DeadlineExceeded))

		publish("t", 1)
		msg, err := sub.Poll(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Offset).To(Equal(int64(2)))
	})

	It("injects poll and publish failures", func() {
		sub, err := mem.Subscribe(ctx, []string{"t"}, broker.OnlyNew())
		Expect(err).NotTo(HaveOccurred())
		defer sub.Close()

		mem.FailNextPolls(1, errors.New("network down"))
		_, err = sub.Poll(ctx)
		Expect(err).To(MatchError(sal.ErrTransport))

		mem.SetPublishHook(func(string) error { return errors.New("rejected") })
		_, err = mem.Publish(ctx, "t", nil)
		Expect(err).To(MatchError(sal.ErrTransport))
	})

	It("fails polls after close", func() {
		sub, err := mem.Subscribe(ctx, []string{"t"}, broker.OnlyNew())
		Expect(err).NotTo(HaveOccurred())
		Expect(sub.Close()).To(Succeed())
		_, err = sub.Poll(ctx)
		Expect(err).To(MatchError(broker.ErrClosed))
	})
})

var _ = brokertest.DescribeConformance("Memory", func() broker.Client {
	return broker.NewMemory(0)
}, 5*time.Second)
