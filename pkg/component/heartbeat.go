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

package component

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// heartbeatLoop publishes a heartbeat event every interval until ctx ends.
func (c *Component) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	log := logger.For(logger.ComponentHeartbeat).With("component", c.info.Name)
	wt := c.events[topicinfo.EvtHeartbeat]

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	failures := 0
	for {
		if _, err := wt.SetWrite(ctx, nil, true); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warnf("Heartbeat failed (%d in a row): %v", failures, err)
			if failures == MaxHeartbeatFailures {
				metrics.IncErrorCount(c.info.Name, "heartbeat")
				sentry.ReportTaskError(log, c.info.Name, "heartbeat", err)
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
