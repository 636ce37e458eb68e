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

package testutils

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/insolar/gatekeeper/internal/notify"
)

type ModeratorMock struct {
	mock.Mock
}

func (m *ModeratorMock) ApproveJoinRequest(ctx context.Context, groupID, userID int64) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ModeratorMock) Unrestrict(ctx context.Context, groupID, userID int64) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ModeratorMock) Restrict(ctx context.Context, groupID, userID int64) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ModeratorMock) Kick(ctx context.Context, groupID, userID int64) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

// SinkRecorder collects notifications and fails with Err when set.
type SinkRecorder struct {
	mu   sync.Mutex
	Err  error
	sent []notify.Notification
}

func (s *SinkRecorder) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.Err
}

func (s *SinkRecorder) Sent() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.sent...)
}

func (s *SinkRecorder) Kinds() []notify.Kind {
	var kinds []notify.Kind
	for _, n := range s.Sent() {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}
