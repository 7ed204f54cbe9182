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

package sal

import (
	"fmt"
	"strings"
)

const (
	// MaxSeqNum is the largest sequence number; writers wrap back to 1 after it.
	MaxSeqNum int64 = (1 << 31) - 1

	// MaxResultLen is the maximum length of the result field of a command acknowledgement.
	MaxResultLen = 256

	// MinQueueLen is the smallest allowed read queue length.
	MinQueueLen = 10

	// DefaultQueueLen is the read queue length used when none is configured.
	DefaultQueueLen = 100
)

// AckCode is a command acknowledgement code.
type AckCode int

const (
	// AckAck means the command was received (ACCEPTED).
	AckAck AckCode = 300
	// AckInProgress means the command is being executed.
	AckInProgress AckCode = 301
	// AckStalled means the command is stuck.
	AckStalled AckCode = 302
	// AckComplete means the command succeeded.
	AckComplete AckCode = 303
	// AckNoPerm means the sender is not allowed to issue the command.
	AckNoPerm AckCode = -300
	// AckNoAck means no acknowledgement was seen.
	AckNoAck AckCode = -301
	// AckFailed means the command failed.
	AckFailed AckCode = -302
	// AckAborted means the command was aborted.
	AckAborted AckCode = -303
	// AckTimeout means the command timed out on the receiving side.
	AckTimeout AckCode = -304
)

var ackCodeNames = map[AckCode]string{
	AckAck:        "ACK",
	AckInProgress: "INPROGRESS",
	AckStalled:    "STALLED",
	AckComplete:   "COMPLETE",
	AckNoPerm:     "NOPERM",
	AckNoAck:      "NOACK",
	AckFailed:     "FAILED",
	AckAborted:    "ABORTED",
	AckTimeout:    "TIMEOUT",
}

func (c AckCode) String() string {
	if name, ok := ackCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("AckCode(%d)", int(c))
}

// IsTerminal reports whether no further acknowledgements follow this one.
func (c AckCode) IsTerminal() bool {
	switch c {
	case AckAck, AckInProgress:
		return false
	default:
		return true
	}
}

// IsGood reports whether the code is ACK, INPROGRESS or COMPLETE.
func (c AckCode) IsGood() bool {
	return c == AckAck || c == AckInProgress || c == AckComplete
}

// State is the summary state of a controllable component.
type State int

const (
	StateDisabled State = 1
	StateEnabled  State = 2
	StateFault    State = 3
	StateOffline  State = 4
	StateStandby  State = 5
)

var stateNames = map[State]string{
	StateDisabled: "DISABLED",
	StateEnabled:  "ENABLED",
	StateFault:    "FAULT",
	StateOffline:  "OFFLINE",
	StateStandby:  "STANDBY",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState parses a state name such as "standby" or "ENABLED".
func ParseState(name string) (State, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for state, stateName := range stateNames {
		if stateName == upper {
			return state, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, name)
}
