// Copyright 2022 The tickstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventstream

// Transport one-way server-to-client event channel owned by a single session
type Transport interface {
	// WriteEvent deliver one named event block to the client.
	//
	// The payload is serialized as JSON unless it is already raw bytes. The id
	// is optional; an empty string omits the id line.
	WriteEvent(name string, payload interface{}, id string) error
	// Done signals the transport is no longer usable. Closed on client
	// disconnect, on transport error, and on Close.
	Done() <-chan struct{}
	// Err reports the first write failure seen, nil if the transport closed
	// cleanly or is still live
	Err() error
	// Close release the transport. Safe to call more than once.
	Close() error
}
