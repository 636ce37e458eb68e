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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func newTestStore() (*Store, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStore(10 * time.Minute)
	s.now = c.now
	return s, c
}

func TestStore_Lifecycle(t *testing.T) {
	s, c := newTestStore()

	data := map[string]string{"group_id": "-100"}
	created := s.Create(1, "setup", "category", data)
	data["group_id"] = "changed"
	assert.Equal(t, "-100", created.Data["group_id"], "store keeps its own copy")

	c.t = c.t.Add(5 * time.Minute)
	f, err := s.Update(1, "threshold", map[string]string{"category": "ab"})
	require.NoError(t, err)
	assert.Equal(t, "threshold", f.Step)
	assert.Equal(t, map[string]string{"group_id": "-100", "category": "ab"}, f.Data)
	assert.Equal(t, c.t.Add(10*time.Minute), f.ExpiresAt)

	f.Data["category"] = "mutated"
	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "ab", got.Data["category"])

	assert.True(t, s.Delete(1))
	assert.False(t, s.Delete(1))
	_, err = s.Get(1)
	assert.Equal(t, ErrNotFound, err)
}

func TestStore_ExpiryCheckedOnRead(t *testing.T) {
	s, c := newTestStore()
	s.Create(1, "setup", "category", nil)

	c.t = c.t.Add(10 * time.Minute)
	_, err := s.Get(1)
	assert.Equal(t, ErrNotFound, err)
	_, err = s.Update(1, "x", nil)
	assert.Equal(t, ErrNotFound, err)
	assert.Equal(t, 0, s.Len())
}

func TestStore_Sweep(t *testing.T) {
	s, c := newTestStore()
	s.Create(1, "setup", "a", nil)
	c.t = c.t.Add(6 * time.Minute)
	s.Create(2, "setup", "a", nil)

	assert.Equal(t, 0, s.Sweep(c.t))
	assert.Equal(t, 1, s.Sweep(c.t.Add(5*time.Minute)))
	assert.Equal(t, 1, s.Len())
	_, err := s.Get(2)
	assert.NoError(t, err)
}
