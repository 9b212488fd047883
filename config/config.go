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

// Package config parses the relay's stream-routing rules and source
// address, and layers an optional YAML config file under CLI flags.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// StreamMapping routes one or more CTF stream IDs into a single relayd
// session. An empty StreamIDs set (written as "ANY" on the command line)
// matches every stream ID; since the router delivers each packet to the
// first matching mapping in order, an ANY mapping receives only the IDs
// that no earlier mapping matches.
type StreamMapping struct {
	SessionName string
	Pathname    string
	StreamIDs   map[uint64]struct{}
}

// DefaultStreamMapping is used when no --stream-mapping flags are given:
// a single session named "session" writing to "trace", matching every
// stream ID.
func DefaultStreamMapping() StreamMapping {
	return StreamMapping{SessionName: "session", Pathname: "trace"}
}

// Matches reports whether streamID is routed by this mapping.
func (m StreamMapping) Matches(streamID uint64) bool {
	if len(m.StreamIDs) == 0 {
		return true
	}
	_, ok := m.StreamIDs[streamID]
	return ok
}

const dateTimePlaceholder = "$DATETIME"

// ParseStreamMapping parses the flag format
// "<session-name>:<pathname>:<comma-separated-stream-ids>|ANY". A
// $DATETIME placeholder in the pathname is expanded to the current UTC
// time, formatted as YYYYmmdd-HHMMSS.
func ParseStreamMapping(s string) (StreamMapping, error) {
	const errMsg = "invalid stream mapping format, use <session-name>:<pathname>:<comma-separated-stream-ids>"

	parts := make([]string, 0, 3)
	for _, p := range strings.Split(strings.TrimSpace(s), ":") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) != 3 {
		return StreamMapping{}, fmt.Errorf(errMsg)
	}

	sessionName := parts[0]
	pathname := parts[1]
	if strings.Contains(pathname, dateTimePlaceholder) {
		pathname = strings.ReplaceAll(pathname, dateTimePlaceholder, time.Now().UTC().Format("20060102-150405"))
	}

	ids := strings.TrimSpace(parts[2])
	m := StreamMapping{SessionName: sessionName, Pathname: pathname}
	if ids == "ANY" {
		return m, nil
	}

	m.StreamIDs = make(map[uint64]struct{})
	for _, idStr := range strings.Split(ids, ",") {
		idStr = strings.TrimSpace(idStr)
		if idStr == "" {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return StreamMapping{}, fmt.Errorf(errMsg)
		}
		m.StreamIDs[id] = struct{}{}
	}
	return m, nil
}

// ValidateStreamMappings rejects a set of mappings with overlapping
// stream IDs or duplicate session names, both of which would leave
// relayd's sessions in an ambiguous or conflicting state.
func ValidateStreamMappings(mappings []StreamMapping) error {
	seenIDs := make(map[uint64]string)
	seenSessions := make(map[string]struct{})

	for _, m := range mappings {
		if _, dup := seenSessions[m.SessionName]; dup {
			return fmt.Errorf("session name %q can only be used in a single stream mapping", m.SessionName)
		}
		seenSessions[m.SessionName] = struct{}{}

		ids := make([]uint64, 0, len(m.StreamIDs))
		for id := range m.StreamIDs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if owner, dup := seenIDs[id]; dup {
				return fmt.Errorf("stream mapping for session %q contains stream id %d that is already mapped to session %q", m.SessionName, id, owner)
			}
			seenIDs[id] = m.SessionName
		}
	}
	return nil
}

// SourceKind identifies which transport a Source reads from.
type SourceKind int

const (
	// SourceDevice reads from a local serial device.
	SourceDevice SourceKind = iota
	// SourceUDP reads from a UDP socket.
	SourceUDP
)

// Source is the parsed form of the "device-or-socket" command-line
// argument: either file:<path> or udp://<host>:<port>.
type Source struct {
	Kind   SourceKind
	Device string
	UDP    *net.UDPAddr
}

// ParseSource parses a source URL in the form "file:<path>" or
// "udp://<host>:<port>".
func ParseSource(s string) (Source, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Source{}, fmt.Errorf("failed to parse source URL: %w", err)
	}

	switch u.Scheme {
	case "file":
		path := u.Opaque
		if path == "" {
			path = u.Path
		}
		return Source{Kind: SourceDevice, Device: path}, nil
	case "udp":
		addr, err := net.ResolveUDPAddr("udp", u.Host)
		if err != nil {
			return Source{}, fmt.Errorf("failed to parse source URL: %w", err)
		}
		return Source{Kind: SourceUDP, UDP: addr}, nil
	default:
		return Source{}, fmt.Errorf("invalid scheme %q in source URL, must be either 'file' or 'udp'", u.Scheme)
	}
}

// File holds settings that may be supplied via an optional YAML config
// file, layered underneath the CLI flags. A File value is used only for a
// setting whose flag still holds its default value; MinRecvBuffer has no
// flag and is always taken from the file when non-zero.
type File struct {
	ControlAddr     string   `yaml:"control_addr"`
	DataAddr        string   `yaml:"data_addr"`
	Hostname        string   `yaml:"hostname"`
	LiveTimerMicros uint32   `yaml:"live_timer_micros"`
	StreamMappings  []string `yaml:"stream_mappings"`
	MinRecvBuffer   int      `yaml:"min_recv_buffer_bytes"`
}

// ReadFile reads and parses a YAML config file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return &f, nil
}
