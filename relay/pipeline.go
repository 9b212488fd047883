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

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ctf-relay/ctfpacket"
	"github.com/facebook/ctf-relay/relayd"
	"github.com/facebook/ctf-relay/relayd/wire"
	"github.com/facebook/ctf-relay/stats"
)

// PipelineConfig describes one relayd session a SessionPipeline drives.
type PipelineConfig struct {
	ControlAddr string
	DataAddr    string
	Hostname    string
	SessionName string
	Pathname    string
	LiveTimer   uint32
	Metadata    []byte
}

// SessionPipeline consumes framed packets for one session from its Queue
// and forwards them to a single relayd session, registering a new relayd
// data stream the first time a CTF stream class is seen.
type SessionPipeline struct {
	cfg   PipelineConfig
	queue *Queue
	stats stats.Stats

	streamIDs map[uint64]wire.StreamID
}

// NewSessionPipeline builds a pipeline for cfg, consuming from queue.
func NewSessionPipeline(cfg PipelineConfig, queue *Queue, st stats.Stats) *SessionPipeline {
	return &SessionPipeline{cfg: cfg, queue: queue, stats: st, streamIDs: make(map[uint64]wire.StreamID)}
}

// Run connects to relayd, starts the session, then forwards packets from
// the queue until shutdown is requested or the queue is closed out from
// under it. It always closes its queue before returning, so the router
// never blocks forever delivering to a pipeline that has stopped.
func (p *SessionPipeline) Run(shutdown *Shutdown) error {
	defer p.queue.Close()
	defer shutdown.Ack()

	client, err := relayd.Dial(p.cfg.ControlAddr, p.cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("session %q: %w", p.cfg.SessionName, err)
	}
	defer client.Close()

	if err := client.CreateSession(p.cfg.SessionName, p.cfg.Hostname, p.cfg.LiveTimer); err != nil {
		p.stats.IncRelaydErrors(p.cfg.SessionName)
		return fmt.Errorf("session %q: %w", p.cfg.SessionName, err)
	}
	if err := client.Start(p.cfg.Pathname, p.cfg.Metadata); err != nil {
		p.stats.IncRelaydErrors(p.cfg.SessionName)
		return fmt.Errorf("session %q: %w", p.cfg.SessionName, err)
	}

	for {
		select {
		case <-shutdown.Done():
			log.Debugf("session %q: shutting down", p.cfg.SessionName)
			return p.closeStreams(client)

		case pkt, ok := <-p.queue.Recv():
			if !ok {
				log.Warningf("session %q: packet queue closed, shutting down unexpectedly", p.cfg.SessionName)
				return p.closeStreams(client)
			}
			if err := p.forward(client, pkt); err != nil {
				p.stats.IncRelaydErrors(p.cfg.SessionName)
				return fmt.Errorf("session %q: %w", p.cfg.SessionName, err)
			}
		}
	}
}

func (p *SessionPipeline) closeStreams(client *relayd.Client) error {
	if err := client.CloseStreams(); err != nil {
		return fmt.Errorf("session %q: closing streams: %w", p.cfg.SessionName, err)
	}
	return nil
}

func (p *SessionPipeline) forward(client *relayd.Client, pkt ctfpacket.CtfPacket) error {
	streamID, ok := p.streamIDs[pkt.Index.StreamID]
	if !ok {
		id, err := client.AddDataStream(pkt.Index.StreamID)
		if err != nil {
			return err
		}
		p.streamIDs[pkt.Index.StreamID] = id
		streamID = id
	}

	if err := client.SendIndexedData(streamID, pkt); err != nil {
		return err
	}
	p.stats.IncRouted(p.cfg.SessionName)
	p.stats.AddBytesSent(p.cfg.SessionName, len(pkt.Payload))
	p.stats.SetQueueDepth(p.cfg.SessionName, len(p.queue.Recv()))
	return nil
}
