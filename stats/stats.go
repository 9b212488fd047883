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

// Package stats exposes the relay's operational counters over Prometheus,
// and keeps a running mean of inter-packet arrival timing.
package stats

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats is the set of operational counters a running relay updates. Every
// method is safe for concurrent use, since packets from multiple routed
// sessions update it from different goroutines.
type Stats interface {
	IncFramed()
	IncDropped()
	IncRouted(session string)
	IncRelaydErrors(session string)
	SetQueueDepth(session string, depth int)
	AddBytesSent(session string, n int)
	ObserveInterval(d time.Duration)

	// Handler returns the HTTP handler to serve on /metrics.
	Handler() http.Handler
}

type promStats struct {
	registry *prometheus.Registry

	framed       prometheus.Counter
	dropped      prometheus.Counter
	routed       *prometheus.CounterVec
	relaydErrors *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	bytesSent    *prometheus.CounterVec
	goroutines   prometheus.GaugeFunc
	heapBytes    prometheus.GaugeFunc

	mu        sync.Mutex
	intervals *welford.Stats
	lastMean  prometheus.GaugeFunc
}

// New builds a Stats backed by a fresh prometheus.Registry.
func New() Stats {
	s := &promStats{
		registry: prometheus.NewRegistry(),
		framed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctf_relay_packets_framed_total",
			Help: "CTF packets successfully framed from the byte stream.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctf_relay_packets_dropped_total",
			Help: "Framed packets dropped because no stream mapping matched their stream ID.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_relay_packets_routed_total",
			Help: "Packets routed to a session's pipeline.",
		}, []string{"session"}),
		relaydErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_relay_relayd_errors_total",
			Help: "Errors returned by relayd for a session.",
		}, []string{"session"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctf_relay_queue_depth",
			Help: "Current depth of a session's pipeline queue.",
		}, []string{"session"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_relay_bytes_sent_total",
			Help: "Packet payload bytes sent to relayd for a session.",
		}, []string{"session"}),
		intervals: welford.New(),
	}

	s.goroutines = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ctf_relay_goroutines",
		Help: "Number of live goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	s.heapBytes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ctf_relay_heap_bytes",
		Help: "Bytes of allocated heap memory, per runtime.ReadMemStats.",
	}, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.HeapAlloc)
	})

	s.lastMean = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ctf_relay_packet_interval_mean_seconds",
		Help: "Mean, since startup, of the time between consecutively framed packets.",
	}, func() float64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.intervals.Mean()
	})

	for _, c := range []prometheus.Collector{s.framed, s.dropped, s.routed, s.relaydErrors, s.queueDepth, s.bytesSent, s.goroutines, s.heapBytes, s.lastMean} {
		if err := s.registry.Register(c); err != nil {
			log.Warningf("stats: failed to register collector: %v", err)
		}
	}

	return s
}

func (s *promStats) IncFramed() { s.framed.Inc() }
func (s *promStats) IncDropped() { s.dropped.Inc() }

func (s *promStats) IncRouted(session string) { s.routed.WithLabelValues(session).Inc() }

func (s *promStats) IncRelaydErrors(session string) {
	s.relaydErrors.WithLabelValues(session).Inc()
}

func (s *promStats) SetQueueDepth(session string, depth int) {
	s.queueDepth.WithLabelValues(session).Set(float64(depth))
}

func (s *promStats) AddBytesSent(session string, n int) {
	s.bytesSent.WithLabelValues(session).Add(float64(n))
}

func (s *promStats) ObserveInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals.Add(d.Seconds())
}

func (s *promStats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics and blocks until it
// returns an error (it never returns nil, matching net/http.Server.Serve).
func Serve(s Stats, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	log.Infof("stats: serving metrics on %s", addr)
	return http.ListenAndServe(addr, mux)
}
