// Copyright 2024 The Rpcz Authors
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

package shutdown

import (
	log "github.com/lyager/rpcz/logger"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Coordinator carries a stop request to everything blocked on in-flight work.
// The flag is set at most once and never cleared. Pollers call Requested
// between iterations, select loops wait on Done.
type Coordinator struct {
	requested atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		done: make(chan struct{}),
	}
}

// RequestStop marks the coordinator stopped. Safe to call from any goroutine,
// any number of times.
func (c *Coordinator) RequestStop() {
	c.requested.Store(true)
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Coordinator) Requested() bool {
	return c.requested.Load()
}

// Done returns a channel that is closed once RequestStop has been called.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

var process = NewCoordinator()

// Process returns the process-wide coordinator. Connection managers created
// without an explicit coordinator observe this one.
func Process() *Coordinator {
	return process
}

var installOnce sync.Once

// InstallSignalHandler requests the process coordinator on SIGINT or SIGTERM.
// Calling it more than once is harmless. The handler deregisters itself after
// the first signal so a second one takes the default disposition.
func InstallSignalHandler() {
	installOnce.Do(func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-signals
			log.Warnf("signal: %s received. stop will be requested", sig.String())
			signal.Stop(signals)
			process.RequestStop()
		}()
	})
}
