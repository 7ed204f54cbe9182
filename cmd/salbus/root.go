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
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/salbus/pkg/broker"
	"github.com/united-manufacturing-hub/salbus/pkg/broker/jetstream"
	"github.com/united-manufacturing-hub/salbus/pkg/broker/kafka"
	"github.com/united-manufacturing-hub/salbus/pkg/component/testcomponent"
	"github.com/united-manufacturing-hub/salbus/pkg/env"
	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// Config keys; each can be set by flag, SALBUS_<KEY> (dots become underscores) or the config file.
const (
	keyBroker         = "broker"
	keyKafkaBrokers   = "kafka.brokers"
	keyNATSURL        = "nats.url"
	keyTopicPrefix    = "topic_prefix"
	keyDescriptions   = "descriptions"
	keyComponent      = "component"
	keyConnectTimeout = "connect_timeout"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "salbus",
	Short:        "salbus runs and commands components on a pub/sub bus",
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		logger.Initialize()
		dsn, _ := env.GetAsString("SENTRY_DSN", false, "")
		version, _ := env.GetAsString("APP_VERSION", false, sentry.DefaultAppVersion)
		debounce, _ := env.GetAsBool("SENTRY_DEBOUNCE", false, true)
		sentry.InitSentry(dsn, version, debounce)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.salbus.yaml)")
	flags.String(keyBroker, "memory", "broker to use: memory, kafka or jetstream")
	flags.StringSlice("kafka-brokers", []string{"localhost:9092"}, "kafka bootstrap servers")
	flags.String("nats-url", "nats://localhost:4222", "NATS server URL")
	flags.String("topic-prefix", "", "first part of every broker topic name")
	flags.String(keyDescriptions, "", "directory of <Component>.yaml descriptions; the Test component is built in")
	flags.String(keyComponent, testcomponent.Name, "component name")
	flags.Duration("connect-timeout", 30*time.Second, "how long to retry connecting to the broker")

	for key, flag := range map[string]string{
		keyBroker:         keyBroker,
		keyKafkaBrokers:   "kafka-brokers",
		keyNATSURL:        "nats-url",
		keyTopicPrefix:    "topic-prefix",
		keyDescriptions:   keyDescriptions,
		keyComponent:      keyComponent,
		keyConnectTimeout: "connect-timeout",
	} {
		cobra.CheckErr(viper.BindPFlag(key, flags.Lookup(flag)))
	}

	rootCmd.AddCommand(runCmd, commandCmd, watchCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".salbus")
	}

	viper.SetEnvPrefix("SALBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// bindFlags makes each named flag the source of the viper key <prefix>.<name>.
func bindFlags(prefix string, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		cobra.CheckErr(viper.BindPFlag(prefix+"."+name, flags.Lookup(name)))
	}
}

func cliLog() *zap.SugaredLogger { return logger.For(logger.ComponentCLI) }

// openBroker connects to the configured broker.
func openBroker() (broker.Client, error) {
	switch kind := viper.GetString(keyBroker); kind {
	case "memory":
		cliLog().Warn("Using the in-memory broker; only this process can see its topics")
		return broker.NewMemory(0), nil
	case "kafka":
		client, err := kafka.NewClient(kafka.Options{
			Brokers:        viper.GetStringSlice(keyKafkaBrokers),
			ClientID:       "salbus",
			ConnectTimeout: viper.GetDuration(keyConnectTimeout),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "jetstream":
		client, err := jetstream.NewClient(jetstream.Options{
			URL:            viper.GetString(keyNATSURL),
			ConnectTimeout: viper.GetDuration(keyConnectTimeout),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown broker %q; want memory, kafka or jetstream", kind)
	}
}

// componentInfo looks up the configured component, from the descriptions directory if one is set.
func componentInfo() (*topicinfo.ComponentInfo, error) {
	name := viper.GetString(keyComponent)
	if dir := viper.GetString(keyDescriptions); dir != "" {
		return topicinfo.NewDirProvider(dir).ComponentInfo(name)
	}
	info, err := testcomponent.Info()
	if err != nil {
		return nil, err
	}
	return topicinfo.StaticProvider{testcomponent.Name: info}.ComponentInfo(name)
}

func startTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration(keyConnectTimeout))
}
