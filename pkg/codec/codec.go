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

// Package codec converts samples to and from the flat JSON records published on the broker.
// Header values use keys with the private_ prefix; payload fields use their own names.
package codec

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

const (
	keySndStamp = "private_sndStamp"
	keySeqNum   = "private_seqNum"
	keyIdentity = "private_identity"
	keyOrigin   = "private_origin"
	keySalIndex = "private_salIndex"
)

type header struct {
	SndStamp float64 `json:"private_sndStamp"`
	SeqNum   int64   `json:"private_seqNum"`
	Identity string  `json:"private_identity"`
	Origin   int64   `json:"private_origin"`
	SalIndex int     `json:"private_salIndex"`
}

// Encode serializes a sample of the given topic.
func Encode(topic *topicinfo.TopicInfo, s *sal.Sample) ([]byte, error) {
	record := make(map[string]any, len(topic.Fields)+5)
	for _, f := range s.Fields() {
		fi, ok := topic.Field(f.Name)
		if !ok {
			return nil, fmt.Errorf("%w: topic %s has no field %q", sal.ErrInvalidArgument, topic.SalName, f.Name)
		}
		record[f.Name] = f.Value
		if fi.Type.IsFloat() {
			record[f.Name] = wireFloats(f.Value)
		}
	}
	record[keySndStamp] = toSeconds(s.SndStamp)
	record[keySeqNum] = s.SeqNum
	record[keyIdentity] = s.Identity
	record[keyOrigin] = s.Origin
	record[keySalIndex] = s.SalIndex

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s: %w", sal.ErrInvalidArgument, topic.SalName, err)
	}
	return data, nil
}

// Decode parses a record of the given topic. Unknown keys are ignored and missing
// payload fields take their default value. RcvStamp is left zero.
func Decode(topic *topicinfo.TopicInfo, data []byte) (*sal.Sample, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: decoding %s header: %w", sal.ErrInvalidArgument, topic.SalName, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", sal.ErrInvalidArgument, topic.SalName, err)
	}

	fields := topic.Defaults()
	for i, f := range topic.Fields {
		msg, ok := raw[f.Name]
		if !ok {
			continue
		}
		v, err := decodeValue(f, msg)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding %s.%s: %w", sal.ErrInvalidArgument, topic.SalName, f.Name, err)
		}
		cv, err := f.Coerce(v)
		if err != nil {
			return nil, err
		}
		fields[i].Value = cv
	}

	return sal.NewSample(topic.SalName, sal.Header{
		SalIndex: h.SalIndex,
		SeqNum:   h.SeqNum,
		SndStamp: fromSeconds(h.SndStamp),
		Identity: h.Identity,
		Origin:   h.Origin,
	}, fields)
}

func decodeValue(f topicinfo.FieldInfo, msg json.RawMessage) (any, error) {
	switch {
	case f.IsArray() && f.Type == topicinfo.TypeBoolean:
		var v []bool
		err := json.Unmarshal(msg, &v)
		return v, err
	case f.IsArray() && f.Type.IsInteger():
		var v []int64
		err := json.Unmarshal(msg, &v)
		return v, err
	case f.IsArray():
		var v []wireFloat
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case f.Type == topicinfo.TypeBoolean:
		var v bool
		err := json.Unmarshal(msg, &v)
		return v, err
	case f.Type.IsInteger():
		var v int64
		err := json.Unmarshal(msg, &v)
		return v, err
	case f.Type.IsFloat():
		var v wireFloat
		err := json.Unmarshal(msg, &v)
		return float64(v), err
	default:
		var v string
		err := json.Unmarshal(msg, &v)
		return v, err
	}
}

// wireFloat is a float that also carries NaN and the infinities, as the strings
// "NaN", "Infinity" and "-Infinity".
type wireFloat float64

func (f wireFloat) MarshalJSON() ([]byte, error) {
	switch v := float64(f); {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	default:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	}
}

func (f *wireFloat) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "NaN":
			*f = wireFloat(math.NaN())
		case "Infinity":
			*f = wireFloat(math.Inf(1))
		case "-Infinity":
			*f = wireFloat(math.Inf(-1))
		default:
			return fmt.Errorf("invalid float %q", name)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = wireFloat(v)
	return nil
}

func wireFloats(value any) any {
	switch v := value.(type) {
	case float64:
		return wireFloat(v)
	case []float64:
		out := make([]wireFloat, len(v))
		for i, x := range v {
			out[i] = wireFloat(x)
		}
		return out
	default:
		return value
	}
}

func toSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromSeconds(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3)
}
