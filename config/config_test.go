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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseStreamMappingWithExplicitIDs(t *testing.T) {
	m, err := ParseStreamMapping("my-stream-a:trace-a:0,1,22,44")
	require.NoError(t, err)
	require.Equal(t, "my-stream-a", m.SessionName)
	require.Equal(t, "trace-a", m.Pathname)
	require.Len(t, m.StreamIDs, 4)
	for _, id := range []uint64{0, 1, 22, 44} {
		_, ok := m.StreamIDs[id]
		require.True(t, ok)
	}
}

func TestParseStreamMappingAny(t *testing.T) {
	m, err := ParseStreamMapping("my-stream-a:trace-a:ANY")
	require.NoError(t, err)
	require.Empty(t, m.StreamIDs)
	require.True(t, m.Matches(12345))
}

func TestParseStreamMappingExpandsDatetime(t *testing.T) {
	m, err := ParseStreamMapping("system-session:system=$DATETIME:1, 2, 4")
	require.NoError(t, err)
	require.Equal(t, "system-session", m.SessionName)
	require.Len(t, m.StreamIDs, 3)

	parts := strings.SplitN(m.Pathname, "=", 2)
	require.Len(t, parts, 2)
	require.Equal(t, "system", parts[0])
	_, err = time.Parse("20060102-150405", parts[1])
	require.NoError(t, err)
}

func TestParseStreamMappingRejectsBadFormat(t *testing.T) {
	_, err := ParseStreamMapping("only-one-part")
	require.Error(t, err)

	_, err = ParseStreamMapping("a:b:not-a-number")
	require.Error(t, err)
}

func TestValidateStreamMappingsRejectsDuplicateSession(t *testing.T) {
	a, err := ParseStreamMapping("s:p1:1")
	require.NoError(t, err)
	b, err := ParseStreamMapping("s:p2:2")
	require.NoError(t, err)

	err = ValidateStreamMappings([]StreamMapping{a, b})
	require.Error(t, err)
	require.Contains(t, err.Error(), "can only be used in a single stream mapping")
}

func TestValidateStreamMappingsRejectsOverlappingIDs(t *testing.T) {
	a, err := ParseStreamMapping("a:pa:1,2")
	require.NoError(t, err)
	b, err := ParseStreamMapping("b:pb:2,3")
	require.NoError(t, err)

	err = ValidateStreamMappings([]StreamMapping{a, b})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already mapped")
}

func TestValidateStreamMappingsAcceptsDisjointSets(t *testing.T) {
	a, err := ParseStreamMapping("a:pa:1,2")
	require.NoError(t, err)
	b, err := ParseStreamMapping("b:pb:3,4")
	require.NoError(t, err)

	require.NoError(t, ValidateStreamMappings([]StreamMapping{a, b}))
}

func TestParseSourceFile(t *testing.T) {
	src, err := ParseSource("file:/dev/ttyUSB0")
	require.NoError(t, err)
	require.Equal(t, SourceDevice, src.Kind)
	require.Equal(t, "/dev/ttyUSB0", src.Device)
}

func TestParseSourceUDP(t *testing.T) {
	src, err := ParseSource("udp://localhost:456")
	require.NoError(t, err)
	require.Equal(t, SourceUDP, src.Kind)
	require.NotNil(t, src.UDP)
	require.Equal(t, 456, src.UDP.Port)
}

func TestParseSourceRejectsUnknownScheme(t *testing.T) {
	_, err := ParseSource("ftp://localhost:456")
	require.Error(t, err)
}
