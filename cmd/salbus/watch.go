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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/united-manufacturing-hub/salbus/internal/shutdown"
	"github.com/united-manufacturing-hub/salbus/pkg/component"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

var watchCmd = &cobra.Command{
	Use:   "watch <index>",
	Short: "Print the events and telemetry of a component as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  watch,
}

func init() {
	watchCmd.Flags().StringSlice("topics", nil, "events and telemetry to print; all when empty")
	bindFlags("watch", watchCmd.Flags(), "topics")
}

type watchLine struct {
	Topic    string         `json:"topic"`
	SalIndex int            `json:"salIndex"`
	SeqNum   int64          `json:"seqNum"`
	SndStamp time.Time      `json:"sndStamp"`
	Identity string         `json:"identity"`
	Fields   map[string]any `json:"fields"`
}

// lineWriter serializes JSON lines from concurrent reader callbacks.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(_ context.Context, s *sal.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(watchLine{
		Topic:    s.Topic(),
		SalIndex: s.SalIndex,
		SeqNum:   s.SeqNum,
		SndStamp: s.SndStamp,
		Identity: s.Identity,
		Fields:   s.Map(),
	})
}

func newLineWriter(out io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(out)}
}

func watch(cmd *cobra.Command, args []string) error {
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	info, err := componentInfo()
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
		Include:     viper.GetStringSlice("watch.topics"),
		ReadOnly:    true,
	})
	if err != nil {
		return err
	}

	out := newLineWriter(cmd.OutOrStdout())
	for _, rt := range remote.Readers() {
		rt.SetCallback(out.write)
	}

	sh := shutdown.New(func(context.Context) error { return remote.Close() }, shutdown.DefaultTimeout, logger.For(logger.ComponentShutdown))
	ctx, cancel := startTimeout()
	defer cancel()
	if err := remote.Start(ctx); err != nil {
		sh.Shutdown()
		_ = sh.Wait()
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s:%d; press Ctrl-C to stop\n", info.Name, index)
	return sh.Wait()
}
