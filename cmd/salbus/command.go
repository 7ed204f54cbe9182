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
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/united-manufacturing-hub/salbus/pkg/component"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

var commandCmd = &cobra.Command{
	Use:   "command <index> <command> [field=value...]",
	Short: "Send a command and wait for it to finish",
	Args:  cobra.MinimumNArgs(2),
	RunE:  sendCommand,
}

func init() {
	commandCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for each acknowledgement")
	bindFlags("command", commandCmd.Flags(), "timeout")
}

func sendCommand(cmd *cobra.Command, args []string) error {
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	info, err := componentInfo()
	if err != nil {
		return err
	}
	ti, err := info.Command(args[1])
	if err != nil {
		return err
	}
	fields, err := parseFields(ti, args[2:])
	if err != nil {
		return err
	}

	client, err := openBroker()
	if err != nil {
		return err
	}
	defer client.Close()

	remote, err := component.NewRemote(info, client, component.RemoteOptions{
		Index:       index,
		TopicPrefix: viper.GetString(keyTopicPrefix),
		Include:     []string{topicinfo.EvtSummaryState},
	})
	if err != nil {
		return err
	}
	defer remote.Close()

	ctx, cancel := startTimeout()
	defer cancel()
	if err := remote.Start(ctx); err != nil {
		return err
	}
	sender, err := remote.Command(args[1])
	if err != nil {
		return err
	}

	ack, err := sender.Start(cmd.Context(), fields, viper.GetDuration("command.timeout"), true)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s:%d %s: %s %s\n", info.Name, index, args[1], ack.Ack, ack.Result)
	return nil
}
