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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownBroadcastsOnce(t *testing.T) {
	s := NewShutdown(3)

	select {
	case <-s.Done():
		t.Fatal("Done channel closed before Request was called")
	default:
	}

	s.Request()
	s.Request() // must not panic on a second call

	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel did not close after Request")
	}
}

func TestShutdownWaitBlocksUntilAllAcknowledge(t *testing.T) {
	s := NewShutdown(2)
	waitDone := make(chan struct{})
	go func() {
		s.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("Wait returned before any Ack")
	case <-time.After(50 * time.Millisecond):
	}

	s.Ack()

	select {
	case <-waitDone:
		t.Fatal("Wait returned after only one of two Acks")
	case <-time.After(50 * time.Millisecond):
	}

	s.Ack()

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after all Acks")
	}
}
