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
	"encoding/json"
	"sync"
)

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// response also covers server notifications, which carry a method and no id.
type response struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type reply struct {
	resp *response
	err  error
}

type pendingCall struct {
	method string
	done   chan reply
}

// pendingTable maps request ids to waiting callers. Every entry is removed
// exactly once: by its response, its timeout or a connection teardown.
type pendingTable struct {
	mu    sync.Mutex
	calls map[uint64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*pendingCall)}
}

func (t *pendingTable) add(id uint64, method string) *pendingCall {
	call := &pendingCall{method: method, done: make(chan reply, 1)}
	t.mu.Lock()
	t.calls[id] = call
	t.mu.Unlock()
	return call
}

func (t *pendingTable) take(id uint64) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return call, ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// rejectAll fails every waiting call with err.
func (t *pendingTable) rejectAll(err func(method string) error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*pendingCall)
	t.mu.Unlock()
	for _, call := range calls {
		call.done <- reply{err: err(call.method)}
	}
}
