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

package flow

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("flow not found")

// Flow is the state of a multi step chat conversation with one user, for
// example the group setup wizard.
type Flow struct {
	UserID    int64             `json:"user_id"`
	Name      string            `json:"name"`
	Step      string            `json:"step"`
	Data      map[string]string `json:"data"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func (f *Flow) copy() *Flow {
	c := *f
	c.Data = make(map[string]string, len(f.Data))
	for k, v := range f.Data {
		c.Data[k] = v
	}
	return &c
}

// Store keeps one flow per user. Expired flows are invisible to readers and
// removed by Sweep. Every write extends the flow by the store TTL.
type Store struct {
	mu    sync.Mutex
	ttl   time.Duration
	flows map[int64]*Flow
	now   func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:   ttl,
		flows: make(map[int64]*Flow),
		now:   time.Now,
	}
}

// Create starts a flow, replacing whatever the user had in progress.
func (s *Store) Create(userID int64, name, step string, data map[string]string) *Flow {
	now := s.now()
	f := &Flow{
		UserID:    userID,
		Name:      name,
		Step:      step,
		Data:      data,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	f = f.copy()

	s.mu.Lock()
	s.flows[userID] = f
	s.mu.Unlock()
	return f.copy()
}

func (s *Store) Get(userID int64) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.live(userID)
	if err != nil {
		return nil, err
	}
	return f.copy(), nil
}

// Update moves the flow to step and merges data into it.
func (s *Store) Update(userID int64, step string, data map[string]string) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.live(userID)
	if err != nil {
		return nil, err
	}
	if step != "" {
		f.Step = step
	}
	for k, v := range data {
		f.Data[k] = v
	}
	f.UpdatedAt = s.now()
	f.ExpiresAt = f.UpdatedAt.Add(s.ttl)
	return f.copy(), nil
}

func (s *Store) Delete(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flows[userID]
	delete(s.flows, userID)
	return ok
}

// Sweep drops flows expired at now and returns how many it dropped.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, f := range s.flows {
		if !now.Before(f.ExpiresAt) {
			delete(s.flows, id)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// live must be called with mu held.
func (s *Store) live(userID int64) (*Flow, error) {
	f, ok := s.flows[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(f.ExpiresAt) {
		delete(s.flows, userID)
		return nil, ErrNotFound
	}
	return f, nil
}
