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

// Package command implements the command acknowledgement protocol on top of read and write topics.
//
// The receiving side (Controller) answers every command with ACK, optional INPROGRESS acks and one
// terminal ack. The issuing side (Remote) stamps a command, registers it in the session's Tracker
// and waits for the acks addressed to it.
package command

import (
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// DefaultTimeout is how long a Remote waits for the next ack when no timeout is given.
const DefaultTimeout = 5 * time.Second

// AckCmd is one command acknowledgement.
type AckCmd struct {
	Ack    sal.AckCode
	Error  int
	Result string
	// Identity and Origin are those of the command sender.
	Identity string
	Origin   int64
	CmdType  int
	SeqNum   int64
	// Timeout is how much longer the sender should wait for the next ack; 0 for its own default.
	Timeout time.Duration
}

// NewAck returns an ack to be filled in with the command it answers.
func NewAck(code sal.AckCode, errorCode int, result string) *AckCmd {
	return &AckCmd{Ack: code, Error: errorCode, Result: result}
}

func (a AckCmd) String() string {
	return fmt.Sprintf("ack=%s error=%d result=%q cmdtype=%d seq=%d", a.Ack, a.Error, a.Result, a.CmdType, a.SeqNum)
}

// fields returns the ackcmd payload.
func (a AckCmd) fields() map[string]any {
	return map[string]any{
		topicinfo.AckFieldAck:       int64(a.Ack),
		topicinfo.AckFieldError:     int64(a.Error),
		topicinfo.AckFieldResult:    TruncateResult(a.Result),
		topicinfo.AckFieldIdentity:  a.Identity,
		topicinfo.AckFieldOrigin:    a.Origin,
		topicinfo.AckFieldCmdType:   int64(a.CmdType),
		topicinfo.AckFieldCmdSeqNum: a.SeqNum,
		topicinfo.AckFieldTimeout:   a.Timeout.Seconds(),
	}
}

// AckFromSample reads an ackcmd sample.
func AckFromSample(s *sal.Sample) AckCmd {
	return AckCmd{
		Ack:      sal.AckCode(s.GetInt(topicinfo.AckFieldAck)),
		Error:    int(s.GetInt(topicinfo.AckFieldError)),
		Result:   s.GetString(topicinfo.AckFieldResult),
		Identity: s.GetString(topicinfo.AckFieldIdentity),
		Origin:   s.GetInt(topicinfo.AckFieldOrigin),
		CmdType:  int(s.GetInt(topicinfo.AckFieldCmdType)),
		SeqNum:   s.GetInt(topicinfo.AckFieldCmdSeqNum),
		Timeout:  time.Duration(s.GetFloat(topicinfo.AckFieldTimeout) * float64(time.Second)),
	}
}

// TruncateResult shortens result to sal.MaxResultLen characters.
func TruncateResult(result string) string {
	r := []rune(result)
	if len(r) <= sal.MaxResultLen {
		return result
	}
	return string(r[:sal.MaxResultLen])
}
