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

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/united-manufacturing-hub/salbus/internal/shutdown"
	"github.com/united-manufacturing-hub/salbus/pkg/component"
	"github.com/united-manufacturing-hub/salbus/pkg/component/testcomponent"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
)

var errFaulted = errors.New("component stopped in FAULT")

var runCmd = &cobra.Command{
	Use:   "run <index>",
	Short: "Run the Test component until exitControl or a signal",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponent,
}

func init() {
	flags := runCmd.Flags()
	flags.String("state", "standby", "initial state: standby, disabled or enabled")
	flags.String("settings", "", "settings label or file applied when starting in disabled or enabled")
	flags.String("settings-dir", "", "directory of settings files and _labels.yaml")
	flags.Int("simulate", 0, "simulation mode; 0 is normal operation")
	flags.Lookup("simulate").NoOptDefVal = "1"
	flags.String("metrics-addr", ":9090", "address of the /metrics, /live and /ready endpoints; empty disables them")

	bindFlags("run", flags, "state", "settings", "settings-dir", "simulate", "metrics-addr")
}

func parseIndex(arg string) (int, error) {
	index, err := strconv.Atoi(arg)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: index %q must be a non-negative integer", sal.ErrInvalidArgument, arg)
	}
	return index, nil
}

func runComponent(_ *cobra.Command, args []string) error {
	log := cliLog()
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	state, err := sal.ParseState(viper.GetString("run.state"))
	if err != nil {
		return err
	}
	switch state {
	case sal.StateStandby, sal.StateDisabled, sal.StateEnabled:
	default:
		return fmt.Errorf("%w: cannot start in %s", sal.ErrInvalidArgument, state)
	}

	client, err := openBroker()
	if err != nil {
		return err
	}
	defer client.Close()

	tc, err := testcomponent.New(client, component.Hooks{}, component.Options{
		Index:          index,
		TopicPrefix:    viper.GetString(keyTopicPrefix),
		InitialState:   state,
		Settings:       viper.GetString("run.settings"),
		SettingsDir:    viper.GetString("run.settings-dir"),
		SimulationMode: viper.GetInt("run.simulate"),
	})
	if err != nil {
		return err
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("summary-state", func() error {
		if tc.State() == sal.StateFault {
			return errFaulted
		}
		return nil
	})
	var stopMetrics func(context.Context) error
	if addr := viper.GetString("run.metrics-addr"); addr != "" {
		srv := metrics.SetupMetricsEndpoint(addr, health)
		stopMetrics = srv.Shutdown
	}

	sh := shutdown.New(func(ctx context.Context) error {
		if stopMetrics != nil {
			if err := stopMetrics(ctx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shut down the metrics endpoint: %w", err)
			}
		}
		return tc.Close()
	}, shutdown.DefaultTimeout, logger.For(logger.ComponentShutdown))

	ctx, cancel := startTimeout()
	defer cancel()
	if err := tc.Start(ctx); err != nil {
		sh.Shutdown()
		return errors.Join(err, sh.Wait())
	}

	go func() {
		<-tc.Done()
		sh.Shutdown()
	}()
	if err := sh.Wait(); err != nil {
		return err
	}

	if final := tc.State(); final == sal.StateFault {
		return errFaulted
	}
	log.Infof("%s:%d exited in %s", testcomponent.Name, index, tc.State())
	return nil
}
