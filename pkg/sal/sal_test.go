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

package sal_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

var _ = Describe("Errors", func() {
	It("categorizes plain errors as unexpected", func() {
		err := errors.New("boom")
		Expect(sal.CategoryOf(err)).To(Equal(sal.CategoryUnexpected))
		Expect(sal.IsExpectedError(err)).To(BeFalse())
		Expect(sal.IsExpectedError(nil)).To(BeFalse())
	})

	It("finds the category through wrapping", func() {
		err := fmt.Errorf("handler: %w", sal.ExpectedErrorf("not allowed in %s", sal.StateStandby))
		Expect(sal.IsExpectedError(err)).To(BeTrue())
		Expect(err.Error()).To(Equal("handler: not allowed in STANDBY"))
	})

	It("carries the fault code", func() {
		err := fmt.Errorf("wrapped: %w", sal.NewFaultError(42, errors.New("motor stuck")))
		code, ok := sal.FaultCode(err)
		Expect(ok).To(BeTrue())
		Expect(code).To(Equal(42))

		_, ok = sal.FaultCode(sal.NewExpectedError(errors.New("x")))
		Expect(ok).To(BeFalse())
	})

	It("matches ErrTimeout only for locally synthesized acks", func() {
		local := sal.NewAckTimeoutError("enable", sal.AckNoAck, "No ack seen")
		remote := sal.NewAckError("enable", sal.AckTimeout, 0, "handler timed out")

		Expect(errors.Is(local, sal.ErrTimeout)).To(BeTrue())
		Expect(errors.Is(remote, sal.ErrTimeout)).To(BeFalse())

		var ackErr *sal.AckError
		Expect(errors.As(fmt.Errorf("remote: %w", remote), &ackErr)).To(BeTrue())
		Expect(ackErr.Ack).To(Equal(sal.AckTimeout))
		Expect(ackErr.Error()).To(ContainSubstring("handler timed out"))
	})

	It("does not confuse ErrTimeout with context errors", func() {
		Expect(errors.Is(context.DeadlineExceeded, sal.ErrTimeout)).To(BeFalse())
	})
})

var _ = Describe("Enums", func() {
	DescribeTable("ack code classification",
		func(code sal.AckCode, terminal, good bool) {
			Expect(code.IsTerminal()).To(Equal(terminal))
			Expect(code.IsGood()).To(Equal(good))
		},
		Entry("ACK", sal.AckAck, false, true),
		Entry("INPROGRESS", sal.AckInProgress, false, true),
		Entry("COMPLETE", sal.AckComplete, true, true),
		Entry("STALLED", sal.AckStalled, true, false),
		Entry("FAILED", sal.AckFailed, true, false),
		Entry("ABORTED", sal.AckAborted, true, false),
		Entry("TIMEOUT", sal.AckTimeout, true, false),
		Entry("NOACK", sal.AckNoAck, true, false),
		Entry("NOPERM", sal.AckNoPerm, true, false),
	)

	It("names unknown codes", func() {
		Expect(sal.AckCode(7).String()).To(Equal("AckCode(7)"))
		Expect(sal.AckComplete.String()).To(Equal("COMPLETE"))
	})

	It("parses state names case-insensitively", func() {
		s, err := sal.ParseState(" enabled ")
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal(sal.StateEnabled))

		_, err = sal.ParseState("running")
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
	})
})

var _ = Describe("Sample", func() {
	It("keeps the field order and copies slices", func() {
		arr := []int64{1, 2, 3}
		s, err := sal.NewSample("scalars", sal.Header{SeqNum: 3, Identity: "Test:1", Origin: 77}, []sal.Field{
			{Name: "int0", Value: int64(5)},
			{Name: "arr", Value: arr},
			{Name: "name", Value: "x"},
		})
		Expect(err).NotTo(HaveOccurred())

		arr[0] = 100
		v, ok := s.Get("arr")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]int64{1, 2, 3}))

		names := []string{}
		for _, f := range s.Fields() {
			names = append(names, f.Name)
		}
		Expect(names).To(Equal([]string{"int0", "arr", "name"}))
		Expect(s.GetInt("int0")).To(Equal(int64(5)))
		Expect(s.GetString("name")).To(Equal("x"))
		Expect(s.GetFloat("int0")).To(BeZero())
		Expect(s.Topic()).To(Equal("scalars"))
		Expect(s.WriterKey()).To(Equal("Test:1/77"))
	})

	It("rejects duplicate fields", func() {
		_, err := sal.NewSample("x", sal.Header{}, []sal.Field{{Name: "a", Value: true}, {Name: "a", Value: false}})
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
	})

	It("stamps the receive time on a copy", func() {
		s, err := sal.NewSample("x", sal.Header{}, nil)
		Expect(err).NotTo(HaveOccurred())
		now := time.Now()
		r := s.WithReceived(now)
		Expect(r.RcvStamp).To(Equal(now))
		Expect(s.RcvStamp.IsZero()).To(BeTrue())
	})
})
