//
// Copyright 2019 Insolar Technologies GmbH
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
//

package chain

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransportError is a timeout or a socket closed while a call was in flight.
// Only this kind is retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError carries an explicit error object returned by the indexer.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): code=%d %s", e.Method, e.Code, e.Message)
}

// DecodeError reports bytes that do not form a valid transaction.
type DecodeError struct {
	TxID   string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.TxID == "" {
		return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("decode error in tx %s at offset %d: %s", e.TxID, e.Offset, e.Reason)
}

// ValidationError rejects malformed input before any network call.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ConfigurationError means the indexer serves another network. It disables
// reconnection until the process restarts.
type ConfigurationError struct {
	Expected string
	Actual   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("indexer network mismatch: expected genesis %s, got %s", e.Expected, e.Actual)
}

var (
	errClosed       = errors.New("connection closed")
	errDisconnected = errors.New("adapter disconnected")
	errTimeout      = errors.New("request timed out")
	errGaveUp       = errors.New("reconnect attempts exhausted")
)

func IsTransport(err error) bool {
	_, ok := errors.Cause(err).(*TransportError)
	return ok
}

func IsProtocol(err error) bool {
	_, ok := errors.Cause(err).(*ProtocolError)
	return ok
}

func IsDecode(err error) bool {
	_, ok := errors.Cause(err).(*DecodeError)
	return ok
}

func IsValidation(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}

func IsConfiguration(err error) bool {
	_, ok := errors.Cause(err).(*ConfigurationError)
	return ok
}
