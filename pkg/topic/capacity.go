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

package topic

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// QueueCapacityMonitor logs when a bounded queue fills up, once per threshold crossed.
// A level is only left again once the queue drains to half of the threshold below it.
type QueueCapacityMonitor struct {
	name     string
	queueLen int
	log      *zap.SugaredLogger

	// WarnThresholds is ascending; the last element is the queue length.
	WarnThresholds []int

	// level is the number of thresholds crossed so far.
	level int
}

// NewQueueCapacityMonitor returns a monitor for a queue of queueLen elements, described by name in logs.
func NewQueueCapacityMonitor(name string, queueLen int, log *zap.SugaredLogger) (*QueueCapacityMonitor, error) {
	if queueLen < sal.MinQueueLen {
		return nil, fmt.Errorf("%w: queue length %d must be >= %d", sal.ErrInvalidArgument, queueLen, sal.MinQueueLen)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &QueueCapacityMonitor{
		name:           name,
		queueLen:       queueLen,
		log:            log,
		WarnThresholds: warnThresholds(queueLen),
	}, nil
}

func warnThresholds(q int) []int {
	seen := map[int]bool{}
	var out []int
	for _, t := range []int{5, q / 2, q - q/10, q} {
		t = min(max(t, 1), q)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Ints(out)
	return out
}

// QueueLen returns the monitored queue length.
func (m *QueueCapacityMonitor) QueueLen() int {
	return m.queueLen
}

// WarnThreshold is the fill level that logs next; ok is false once the queue was reported full.
func (m *QueueCapacityMonitor) WarnThreshold() (threshold int, ok bool) {
	if m.level >= len(m.WarnThresholds) {
		return 0, false
	}
	return m.WarnThresholds[m.level], true
}

// ResetThreshold is the fill level at or below which the monitor drops back; ok is false at the lowest level.
func (m *QueueCapacityMonitor) ResetThreshold() (threshold int, ok bool) {
	if m.level == 0 {
		return 0, false
	}
	return m.WarnThresholds[m.level-1] / 2, true
}

// CheckNItems updates the monitor for a queue holding n elements and reports whether it logged.
func (m *QueueCapacityMonitor) CheckNItems(n int) bool {
	if warn, ok := m.WarnThreshold(); ok && n >= warn {
		m.level = m.levelFor(n)
		if m.level == len(m.WarnThresholds) {
			m.log.Errorf("%s is full (%d elements); data may be lost", m.name, m.queueLen)
		} else {
			m.log.Warnf("%s is filling: %d of %d elements", m.name, n, m.queueLen)
		}
		return true
	}

	if reset, ok := m.ResetThreshold(); ok && n <= reset {
		m.level = m.levelFor(n)
	}
	return false
}

func (m *QueueCapacityMonitor) levelFor(n int) int {
	return sort.SearchInts(m.WarnThresholds, n+1)
}
