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

// Package brokertest holds a ginkgo conformance suite every broker.Client implementation must pass.
package brokertest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
)

// DescribeConformance registers the conformance specs. newClient is called once per spec;
// the client is closed afterwards.
func DescribeConformance(name string, newClient func() broker.Client, timeout time.Duration) bool {
	return Describe(name+" conformance", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			client broker.Client
			topic  string
		)

		BeforeEach(func() {
			ctx, cancel = context.WithTimeout(context.Background(), timeout)
			client = newClient()
			topic = fmt.Sprintf("sal.Conformance.t%s", uuid.New().String()[:8])
			Expect(client.CreateTopics(ctx, []string{topic})).To(Succeed())
		})

		AfterEach(func() {
			cancel()
			Expect(client.Close()).To(Succeed())
		})

		It("starts with empty watermarks", func() {
			low, high, err := client.WatermarkOffsets(ctx, topic)
			Expect(err).NotTo(HaveOccurred())
			Expect(low).To(BeZero())
			Expect(high).To(BeZero())
		})

		It("replays from a start offset", func() {
			for i := 0; i < 3; i++ {
				_, err := client.Publish(ctx, topic, []byte(fmt.Sprintf("m%d", i)))
				Expect(err).NotTo(HaveOccurred())
			}

			low, high, err := client.WatermarkOffsets(ctx, topic)
			Expect(err).NotTo(HaveOccurred())
			Expect(high - low).To(Equal(int64(3)))

			sub, err := client.Subscribe(ctx, []string{topic}, broker.OffsetPolicy{
				StartOffsets: map[string]int64{topic: high - 1},
			})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			msg, err := sub.Poll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg.Value)).To(Equal("m2"))
			Expect(msg.Offset).To(Equal(high - 1))
		})

		It("delivers messages published after subscribing", func() {
			sub, err := client.Subscribe(ctx, []string{topic}, broker.OnlyNew())
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			offset, err := client.Publish(ctx, topic, []byte("fresh"))
			Expect(err).NotTo(HaveOccurred())

			msg, err := sub.Poll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg.Value)).To(Equal("fresh"))
			Expect(msg.Offset).To(Equal(offset))
			Expect(msg.Topic).To(Equal(topic))
		})
	})
}
