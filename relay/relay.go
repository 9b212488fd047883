/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/facebook/ctf-relay/config"
	"github.com/facebook/ctf-relay/ctfpacket/header"
	"github.com/facebook/ctf-relay/source"
	"github.com/facebook/ctf-relay/stats"
)

// Config is everything Run needs to start a relay: where to read CTF
// packets from, how to decode their headers, which relayd sessions to
// forward them to, and where to publish operational counters.
type Config struct {
	Source      source.ByteSource
	Decoder     header.Decoder
	Mappings    []config.StreamMapping
	ControlAddr string
	DataAddr    string
	Hostname    string
	LiveTimer   uint32
	Metadata    []byte
	Stats       stats.Stats
}

// Run wires a Router and one SessionPipeline per mapping together and
// runs them until either the router's source ends, a pipeline fails
// unrecoverably, or shutdown is requested. It returns once every
// goroutine it started has stopped.
func Run(cfg Config, shutdown *Shutdown) error {
	router, queues := NewRouter(cfg.Source, cfg.Decoder, cfg.Mappings, cfg.Stats)

	g := new(errgroup.Group)

	// The first goroutine to return, success or failure, requests
	// shutdown of the rest: the router isn't expected to return at all
	// in normal operation, and one pipeline dying shouldn't leave the
	// others streaming into a relay nobody is watching.
	g.Go(func() error {
		defer shutdown.Request()
		return router.Run()
	})

	for i, m := range cfg.Mappings {
		m := m
		queue := queues[i]
		pipeline := NewSessionPipeline(PipelineConfig{
			ControlAddr: cfg.ControlAddr,
			DataAddr:    cfg.DataAddr,
			Hostname:    cfg.Hostname,
			SessionName: m.SessionName,
			Pathname:    m.Pathname,
			LiveTimer:   cfg.LiveTimer,
			Metadata:    cfg.Metadata,
		}, queue, cfg.Stats)

		g.Go(func() error {
			defer shutdown.Request()
			return pipeline.Run(shutdown)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
