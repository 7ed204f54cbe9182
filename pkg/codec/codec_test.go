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

package codec_test

import (
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/salbus/pkg/codec"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

var _ = Describe("Codec", func() {
	var topic *topicinfo.TopicInfo

	BeforeEach(func() {
		var err error
		topic, err = topicinfo.NewTopicInfo("Demo", topicinfo.DirectionTelemetry, "scalars", "", []topicinfo.FieldInfo{
			{Name: "big", Type: topicinfo.TypeLongLong},
			{Name: "ratio", Type: topicinfo.TypeDouble},
			{Name: "flags", Type: topicinfo.TypeBoolean, Count: 2},
			{Name: "note", Type: topicinfo.TypeString},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("keeps header and payload", func() {
		stamp := time.Unix(1700000000, 123456000)
		fields, err := topic.Complete(map[string]any{
			"big":   int64(1) << 60,
			"ratio": 0.25,
			"flags": []bool{true, false},
			"note":  "hello",
		})
		Expect(err).NotTo(HaveOccurred())
		in, err := sal.NewSample(topic.SalName, sal.Header{
			SalIndex: 3, SeqNum: 17, SndStamp: stamp, Identity: "Demo:3", Origin: 99,
		}, fields)
		Expect(err).NotTo(HaveOccurred())

		data, err := codec.Encode(topic, in)
		Expect(err).NotTo(HaveOccurred())

		out, err := codec.Decode(topic, data)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.SeqNum).To(Equal(int64(17)))
		Expect(out.SalIndex).To(Equal(3))
		Expect(out.Identity).To(Equal("Demo:3"))
		Expect(out.Origin).To(Equal(int64(99)))
		Expect(out.SndStamp).To(BeTemporally("~", stamp, time.Millisecond))
		Expect(out.GetInt("big")).To(Equal(int64(1) << 60))
		Expect(out.Map()).To(Equal(in.Map()))
	})

	It("fills missing fields and ignores unknown keys", func() {
		out, err := codec.Decode(topic, []byte(`{"private_seqNum":1,"note":"x","extra":5}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(out.GetString("note")).To(Equal("x"))
		Expect(out.GetFloat("ratio")).To(BeZero())
		Expect(out.SndStamp.IsZero()).To(BeTrue())
	})

	It("rejects malformed records", func() {
		_, err := codec.Decode(topic, []byte(`not json`))
		Expect(err).To(MatchError(sal.ErrInvalidArgument))

		_, err = codec.Decode(topic, []byte(`{"flags":[true]}`))
		Expect(err).To(MatchError(sal.ErrInvalidArgument))

		_, err = codec.Decode(topic, []byte(`{"ratio":"high"}`))
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
	})
	It("carries NaN and infinities in scalars and arrays", func() {
		floats, err := topicinfo.NewTopicInfo("Demo", topicinfo.DirectionTelemetry, "floats", "", []topicinfo.FieldInfo{
			{Name: "ratio", Type: topicinfo.TypeDouble},
			{Name: "gain", Type: topicinfo.TypeFloat},
			{Name: "samples", Type: topicinfo.TypeDouble, Count: 4},
		})
		Expect(err).NotTo(HaveOccurred())
		fields, err := floats.Complete(map[string]any{
			"ratio":   math.NaN(),
			"gain":    math.Inf(-1),
			"samples": []float64{1.5, math.Inf(1), math.NaN(), math.Inf(-1)},
		})
		Expect(err).NotTo(HaveOccurred())
		in, err := sal.NewSample(floats.SalName, sal.Header{SeqNum: 1}, fields)
		Expect(err).NotTo(HaveOccurred())

		data, err := codec.Encode(floats, in)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"ratio":"NaN"`))

		out, err := codec.Decode(floats, data)
		Expect(err).NotTo(HaveOccurred())
		Expect(math.IsNaN(out.GetFloat("ratio"))).To(BeTrue())
		Expect(math.IsInf(out.GetFloat("gain"), -1)).To(BeTrue())
		samples, ok := out.Get("samples")
		Expect(ok).To(BeTrue())
		Expect(samples).To(HaveLen(4))
		got := samples.([]float64)
		Expect(got[0]).To(Equal(1.5))
		Expect(math.IsInf(got[1], 1)).To(BeTrue())
		Expect(math.IsNaN(got[2])).To(BeTrue())
		Expect(math.IsInf(got[3], -1)).To(BeTrue())
	})

	It("rejects unknown float names", func() {
		_, err := codec.Decode(topic, []byte(`{"ratio":"Huge"}`))
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
	})
})
