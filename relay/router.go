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

// Package relay wires a byte source, the CTF framer, and one relayd
// session pipeline per configured stream mapping into a running relay:
// the Router demuxes framed packets to pipeline queues, and each
// SessionPipeline drives one relayd session from its queue.
package relay

import (
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ctf-relay/config"
	"github.com/facebook/ctf-relay/ctfpacket"
	"github.com/facebook/ctf-relay/ctfpacket/header"
	"github.com/facebook/ctf-relay/source"
	"github.com/facebook/ctf-relay/stats"
)

// QueueCapacity is the bound on each session's packet queue. A mapping
// whose pipeline falls behind exerts backpressure on the router rather
// than letting memory grow unbounded.
const QueueCapacity = 64

// route pairs a stream mapping with the queue its matching packets are
// delivered to, and the signal its pipeline closes when it stops reading
// that queue.
type route struct {
	mapping config.StreamMapping
	queue   chan ctfpacket.CtfPacket
	closed  <-chan struct{}
}

// Router reads bytes from a source, frames CTF packets out of them, and
// delivers each one to the first configured mapping whose stream-ID set
// matches it. A packet matching no mapping is dropped.
type Router struct {
	src    source.ByteSource
	framer *ctfpacket.Framer
	routes []route
	stats  stats.Stats
}

// NewRouter builds a Router over src, decoding packet headers with dec and
// routing to queues for each of mappings, in order. Route lookup is
// first-match-wins: list narrower (explicit stream-ID) mappings before an
// ANY mapping intended as a catch-all.
func NewRouter(src source.ByteSource, dec header.Decoder, mappings []config.StreamMapping, st stats.Stats) (*Router, []*Queue) {
	r := &Router{
		src:    src,
		framer: ctfpacket.NewFramer(dec),
		stats:  st,
	}
	queues := make([]*Queue, 0, len(mappings))
	for _, m := range mappings {
		closed := make(chan struct{})
		q := &Queue{
			SessionName: m.SessionName,
			ch:          make(chan ctfpacket.CtfPacket, QueueCapacity),
			closed:      closed,
		}
		r.routes = append(r.routes, route{mapping: m, queue: q.ch, closed: closed})
		queues = append(queues, q)
	}
	return r, queues
}

// Queue is a session's inbound packet queue. The pipeline owning it must
// call Close exactly once when it stops consuming, whether cleanly or
// not; this turns any further router delivery attempt into a fatal error
// instead of a silent, permanent block.
type Queue struct {
	SessionName string
	ch          chan ctfpacket.CtfPacket
	closed      chan struct{}
	closeOnce   sync.Once
}

// Recv returns the channel pipelines read framed packets from.
func (q *Queue) Recv() <-chan ctfpacket.CtfPacket { return q.ch }

// Close signals the router that this queue is no longer being drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// routeFor returns the route of the first mapping that matches streamID,
// or false if none does.
func (r *Router) routeFor(streamID uint64) (route, bool) {
	for _, rt := range r.routes {
		if rt.mapping.Matches(streamID) {
			return rt, true
		}
	}
	return route{}, false
}

// Run reads from the source until it errors or reaches EOF, framing and
// routing packets as they complete. It never returns nil: like the byte
// source it reads from, a relay's packet router is not expected to finish
// on its own, so any return is treated as fatal by the caller.
func (r *Router) Run() error {
	buf := make([]byte, 64*1024)
	var lastPacketTime time.Time
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			r.framer.Feed(buf[:n])
			for {
				pkt, ok := r.framer.Next()
				if !ok {
					break
				}
				r.stats.IncFramed()
				now := time.Now()
				if !lastPacketTime.IsZero() {
					r.stats.ObserveInterval(now.Sub(lastPacketTime))
				}
				lastPacketTime = now
				if err := r.dispatch(pkt); err != nil {
					return err
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("encountered end of stream unexpectedly")
			}
			return fmt.Errorf("reading from source: %w", err)
		}
	}
}

func (r *Router) dispatch(pkt ctfpacket.CtfPacket) error {
	rt, ok := r.routeFor(pkt.Index.StreamID)
	if !ok {
		log.Debugf("relay: dropping packet for stream %d, no mapping matches it", pkt.Index.StreamID)
		r.stats.IncDropped()
		return nil
	}
	// Intentionally blocking: backpressure from a slow pipeline should
	// stall the router rather than drop or buffer unboundedly. Only a
	// pipeline that has stopped draining its queue entirely turns this
	// into a fatal error.
	select {
	case rt.queue <- pkt:
		return nil
	case <-rt.closed:
		return fmt.Errorf("relay: session %q's packet receiver has shut down", rt.mapping.SessionName)
	}
}
