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

// Package shutdown runs cleanup once on SIGINT, SIGTERM or a programmatic request.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds the cleanup function.
const DefaultTimeout = 30 * time.Second

// Handler triggers cleanup once and reports its progress.
type Handler interface {
	Shutdown()          // Triggers a shutdown programmatically.
	ShuttingDown() bool // Quickly checks if a shutdown is in progress.
	Wait() error        // Blocks until the cleanup finished and returns its error.
}

type gracefulShutdown struct {
	quit         chan os.Signal
	shuttingDown chan struct{}
	once         sync.Once
	done         chan struct{}
	err          error
	log          *zap.SugaredLogger
}

// New installs the signal handler. onShutdown runs at most once with a context bounded by timeout.
func New(onShutdown func(ctx context.Context) error, timeout time.Duration, log *zap.SugaredLogger) Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gs := &gracefulShutdown{
		quit:         make(chan os.Signal, 1),
		shuttingDown: make(chan struct{}),
		done:         make(chan struct{}),
		log:          log,
	}
	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(gs.done)
		sig := <-gs.quit
		signal.Stop(gs.quit)
		gs.once.Do(func() { close(gs.shuttingDown) })
		gs.log.Infow("Shutting down", "signal", sig.String())

		if onShutdown == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if gs.err = onShutdown(ctx); gs.err != nil {
			gs.log.Errorw("Error during shutdown", "error", gs.err)
			return
		}
		gs.log.Info("Shutdown tasks completed")
	}()
	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	select {
	case <-gs.shuttingDown:
		return true
	default:
		return false
	}
}

func (gs *gracefulShutdown) Shutdown() {
	if gs.ShuttingDown() {
		return
	}
	gs.once.Do(func() { close(gs.shuttingDown) })
	select {
	case gs.quit <- syscall.SIGTERM:
	default:
	}
}

func (gs *gracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}
