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

// ctf-relay reads CTF packets off a serial device or UDP socket and
// forwards them to one or more lttng-relayd sessions.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/facebook/ctf-relay/config"
	"github.com/facebook/ctf-relay/ctfpacket/header"
	"github.com/facebook/ctf-relay/relay"
	"github.com/facebook/ctf-relay/source"
	"github.com/facebook/ctf-relay/stats"
)

// opts collects the flags and positional arguments accepted by the relay,
// mirroring spec §6.4 verbatim.
type opts struct {
	controlPort    string
	dataPort       string
	hostname       string
	liveTimer      uint32
	streamMappings []string
	configFile     string
	monitoringAddr string
	verbose        bool

	// Serial device options, mirroring spec §6.2's DeviceOpts.
	baudRate    int
	dataBits    int
	parity      string
	stopBits    string
	flowControl string

	// minRecvBuffer is only settable via the optional YAML config file's
	// min_recv_buffer_bytes key; 0 means use source.MinRecvBufferBytes.
	minRecvBuffer int
}

func main() {
	o := &opts{}

	cmd := &cobra.Command{
		Use:   "ctf-relay <metadata-file> <device-or-socket>",
		Short: "Relays CTF packets from a serial device or socket to one or more LTTng relayd sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(o, args[0], args[1])
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&o.controlPort, "control-port", "c", "127.0.0.1:5342", "LTTng relayd control address:port")
	cmd.Flags().StringVarP(&o.dataPort, "data-port", "d", "127.0.0.1:5343", "LTTng relayd trace data address:port")
	cmd.Flags().StringVarP(&o.hostname, "hostname", "H", "", "LTTng relayd hostname. The system hostname is used if not provided")
	cmd.Flags().Uint32VarP(&o.liveTimer, "live-timer", "t", 100000, "LTTng relayd live timer value, in microseconds")
	cmd.Flags().StringArrayVarP(&o.streamMappings, "stream-mapping", "s", nil,
		"Map stream IDs to a relayd session name and pathname, as <session-name>:<pathname>:<comma-separated-stream-ids|ANY>. May be given multiple times")
	cmd.Flags().StringVar(&o.configFile, "config", "", "Optional YAML config file layered underneath these flags")
	cmd.Flags().StringVar(&o.monitoringAddr, "monitoring-addr", ":8289", "host:port to serve Prometheus metrics on")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")

	cmd.Flags().IntVarP(&o.baudRate, "baud-rate", "b", 115200, "Serial device baud rate")
	cmd.Flags().IntVar(&o.dataBits, "data-bits", 8, "Serial device data bits (5, 6, 7, or 8)")
	cmd.Flags().StringVar(&o.flowControl, "flow-control", "none", "Serial device flow control: none or hardware (software is rejected). The value is validated but not applied to the opened port")
	cmd.Flags().StringVar(&o.parity, "parity", "none", "Serial device parity checking mode: none, odd, or even")
	cmd.Flags().StringVar(&o.stopBits, "stop-bits", "1", "Serial device stop bits: 1 or 2")

	if err := cmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(o *opts, metadataPath, sourceURL string) error {
	log.SetLevel(log.WarnLevel)
	if o.verbose {
		log.SetLevel(log.DebugLevel)
	}
	if lvl := os.Getenv("CTF_RELAY_LOG"); lvl != "" {
		parsed, err := log.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("invalid CTF_RELAY_LOG value %q: %w", lvl, err)
		}
		log.SetLevel(parsed)
	}

	if o.configFile != "" {
		f, err := config.ReadFile(o.configFile)
		if err != nil {
			return err
		}
		applyFileDefaults(o, f)
	}

	hostname := o.hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
		hostname = h
	}

	metadata, err := os.ReadFile(metadataPath)
	if err != nil {
		return fmt.Errorf("reading metadata file %q: %w", metadataPath, err)
	}

	mappings, err := parseStreamMappings(o.streamMappings)
	if err != nil {
		return err
	}
	if err := config.ValidateStreamMappings(mappings); err != nil {
		return err
	}

	src, err := config.ParseSource(sourceURL)
	if err != nil {
		return err
	}
	serialOpts, err := o.serialOpts()
	if err != nil {
		return err
	}
	byteSource, err := openSource(src, serialOpts, o.minRecvBuffer)
	if err != nil {
		return err
	}
	defer byteSource.Close()

	decoder, err := header.NewStandard(metadataPath)
	if err != nil {
		return fmt.Errorf("loading CTF metadata: %w", err)
	}

	st := stats.New()
	go func() {
		if err := stats.Serve(st, o.monitoringAddr); err != nil {
			log.Warningf("metrics server stopped: %v", err)
		}
	}()

	shutdown := relay.NewShutdown(len(mappings))

	relayCfg := relay.Config{
		Source:      byteSource,
		Decoder:     decoder,
		Mappings:    mappings,
		ControlAddr: o.controlPort,
		DataAddr:    o.dataPort,
		Hostname:    hostname,
		LiveTimer:   o.liveTimer,
		Metadata:    metadata,
		Stats:       st,
	}

	if err := notifyReady(); err != nil {
		log.Warningf("sd_notify failed: %v", err)
	}

	installDoubleInterruptHandler(shutdown)

	return relay.Run(relayCfg, shutdown)
}

func applyFileDefaults(o *opts, f *config.File) {
	if o.controlPort == "127.0.0.1:5342" && f.ControlAddr != "" {
		o.controlPort = f.ControlAddr
	}
	if o.dataPort == "127.0.0.1:5343" && f.DataAddr != "" {
		o.dataPort = f.DataAddr
	}
	if o.hostname == "" && f.Hostname != "" {
		o.hostname = f.Hostname
	}
	if o.liveTimer == 100000 && f.LiveTimerMicros != 0 {
		o.liveTimer = f.LiveTimerMicros
	}
	if len(o.streamMappings) == 0 && len(f.StreamMappings) > 0 {
		o.streamMappings = f.StreamMappings
	}
	if f.MinRecvBuffer != 0 {
		o.minRecvBuffer = f.MinRecvBuffer
	}
}

func parseStreamMappings(raw []string) ([]config.StreamMapping, error) {
	if len(raw) == 0 {
		return []config.StreamMapping{config.DefaultStreamMapping()}, nil
	}
	mappings := make([]config.StreamMapping, 0, len(raw))
	for _, s := range raw {
		m, err := config.ParseStreamMapping(s)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

func openSource(src config.Source, serialOpts source.SerialOpts, minRecvBuffer int) (source.ByteSource, error) {
	switch src.Kind {
	case config.SourceDevice:
		return source.OpenSerial(src.Device, serialOpts)
	case config.SourceUDP:
		return source.OpenUDP(src.UDP, minRecvBuffer)
	default:
		return nil, fmt.Errorf("unsupported source kind")
	}
}

// serialOpts builds a source.SerialOpts from the parsed CLI flags,
// rejecting any value that doesn't match one of the forms the original
// device-options flags accept.
func (o *opts) serialOpts() (source.SerialOpts, error) {
	dataBits, err := parseDataBits(o.dataBits)
	if err != nil {
		return source.SerialOpts{}, err
	}
	parity, err := parseParity(o.parity)
	if err != nil {
		return source.SerialOpts{}, err
	}
	stopBits, err := parseStopBits(o.stopBits)
	if err != nil {
		return source.SerialOpts{}, err
	}
	flowControl, err := parseFlowControl(o.flowControl)
	if err != nil {
		return source.SerialOpts{}, err
	}
	return source.SerialOpts{
		BaudRate:    o.baudRate,
		DataBits:    dataBits,
		Parity:      parity,
		StopBits:    stopBits,
		FlowControl: flowControl,
	}, nil
}

func parseDataBits(s int) (int, error) {
	switch s {
	case 5, 6, 7, 8:
		return s, nil
	default:
		return 0, fmt.Errorf("invalid data bits %d, must be 5, 6, 7, or 8", s)
	}
}

func parseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	case "even":
		return serial.EvenParity, nil
	default:
		return 0, fmt.Errorf("invalid parity %q, must be none, odd, or even", s)
	}
}

func parseStopBits(s string) (serial.StopBits, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "one":
		return serial.OneStopBit, nil
	case "2", "two":
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("invalid stop bits %q, must be 1 or 2", s)
	}
}

func parseFlowControl(s string) (serial.FlowControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return serial.NoFlowControl, nil
	case "hardware", "hw":
		return serial.RTSCTSFlowControl, nil
	case "software", "sw":
		return 0, fmt.Errorf("software flow control is not supported by this platform's serial driver")
	default:
		return 0, fmt.Errorf("invalid flow control %q, must be none or hardware", s)
	}
}

// notifyReady tells systemd (if running under it) that startup finished.
func notifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		return err
	} else if !supported {
		log.Debug("sd_notify not supported, NOTIFY_SOCKET unset")
	} else {
		log.Info("sent sd_notify ready event")
	}
	return nil
}

// installDoubleInterruptHandler requests a graceful shutdown on the first
// SIGINT/SIGTERM and forces an immediate exit on the second, matching the
// platform-specific double-interrupt exit codes: 128+SIGINT on POSIX.
func installDoubleInterruptHandler(shutdown *relay.Shutdown) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var interrupted int32
	go func() {
		for range sigCh {
			if !atomic.CompareAndSwapInt32(&interrupted, 0, 1) {
				exitCode := 130
				if runtime.GOOS == "windows" {
					exitCode = -1073741510 // 0xC000013A
				}
				os.Exit(exitCode)
			}
			log.Warning("received interrupt, shutting down gracefully; interrupt again to force exit")
			shutdown.Request()
		}
	}()
}
