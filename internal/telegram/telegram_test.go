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

package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/notify"
)

const (
	groupID = int64(-1001)
	userID  = int64(77)
)

// fakeAPI is a Bot API server answering from canned results per method.
type fakeAPI struct {
	srv *httptest.Server

	mu      sync.Mutex
	results map[string]interface{}
	errors  map[string]string
	calls   []string
	params  map[string]map[string]string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{
		results: map[string]interface{}{
			"getMe":       map[string]interface{}{"id": 1, "is_bot": true, "first_name": "gate", "username": "gate_bot"},
			"sendMessage": map[string]interface{}{"message_id": 1, "date": 0, "chat": map[string]interface{}{"id": userID, "type": "private"}},
		},
		errors: make(map[string]string),
		params: make(map[string]map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	if method != "getMe" {
		f.calls = append(f.calls, method)
	}
	params := make(map[string]string)
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	f.params[method] = params

	resp := map[string]interface{}{"ok": true}
	if desc, ok := f.errors[method]; ok {
		resp = map[string]interface{}{"ok": false, "error_code": 400, "description": desc}
	} else if res, ok := f.results[method]; ok {
		resp["result"] = res
	} else {
		resp["result"] = true
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeAPI) member(status string, canSend bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results["getChatMember"] = map[string]interface{}{
		"user":              map[string]interface{}{"id": userID, "is_bot": false, "first_name": "u"},
		"status":            status,
		"can_send_messages": canSend,
	}
}

func (f *fakeAPI) fail(method, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = description
}

func (f *fakeAPI) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []string
	for _, c := range f.calls {
		if c != "getChatMember" {
			res = append(res, c)
		}
	}
	return res
}

func newTestBot(t *testing.T, api *fakeAPI) *tgbotapi.BotAPI {
	bot, err := NewBot(configuration.Telegram{Token: "123:abc", APIEndpoint: api.srv.URL + "/bot%s/%s"})
	require.NoError(t, err)
	return bot
}

func newTestModerator(t *testing.T, api *fakeAPI) *Moderator {
	return NewModerator(newTestBot(t, api), logrus.New())
}

func TestNewBot_RequiresToken(t *testing.T) {
	_, err := NewBot(configuration.Telegram{})
	assert.Error(t, err)
}

func TestModerator_Unrestrict(t *testing.T) {
	ctx := context.Background()

	t.Run("already unrestricted", func(t *testing.T) {
		api := newFakeAPI(t)
		api.member(statusMember, true)
		changed, err := newTestModerator(t, api).Unrestrict(ctx, groupID, userID)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Empty(t, api.actions(), "no redundant permission change")
	})

	t.Run("restricted", func(t *testing.T) {
		api := newFakeAPI(t)
		api.member(statusRestricted, false)
		changed, err := newTestModerator(t, api).Unrestrict(ctx, groupID, userID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []string{"restrictChatMember"}, api.actions())
		assert.Contains(t, api.params["restrictChatMember"]["permissions"], `"can_send_messages":true`)
	})
}

func TestModerator_Restrict(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		status  string
		canSend bool
		changed bool
		err     bool
	}{
		{statusMember, true, true, false},
		{statusRestricted, true, true, false},
		{statusRestricted, false, false, false},
		{statusLeft, false, false, false},
		{statusAdministrator, true, false, true},
	}
	for _, c := range cases {
		api := newFakeAPI(t)
		api.member(c.status, c.canSend)
		changed, err := newTestModerator(t, api).Restrict(ctx, groupID, userID)
		assert.Equal(t, c.err, err != nil, c.status)
		assert.Equal(t, c.changed, changed, c.status)
	}
}

func TestModerator_Kick(t *testing.T) {
	ctx := context.Background()

	api := newFakeAPI(t)
	api.member(statusMember, true)
	changed, err := newTestModerator(t, api).Kick(ctx, groupID, userID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"banChatMember", "unbanChatMember"}, api.actions())
	assert.Equal(t, "true", api.params["unbanChatMember"]["only_if_banned"])

	gone := newFakeAPI(t)
	gone.member(statusKicked, false)
	changed, err = newTestModerator(t, gone).Kick(ctx, groupID, userID)
	require.NoError(t, err)
	assert.False(t, changed, "user not currently a member")
	assert.Empty(t, gone.actions())
}

func TestModerator_ApproveJoinRequest(t *testing.T) {
	ctx := context.Background()

	api := newFakeAPI(t)
	changed, err := newTestModerator(t, api).ApproveJoinRequest(ctx, groupID, userID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "77", api.params["approveChatJoinRequest"]["user_id"])

	for _, reason := range []string{"Bad Request: USER_ALREADY_PARTICIPANT", "Bad Request: HIDE_REQUESTER_MISSING"} {
		api := newFakeAPI(t)
		api.fail("approveChatJoinRequest", reason)
		changed, err := newTestModerator(t, api).ApproveJoinRequest(ctx, groupID, userID)
		require.NoError(t, err, reason)
		assert.False(t, changed, reason)
	}

	api = newFakeAPI(t)
	api.fail("approveChatJoinRequest", "Forbidden: bot is not a member of the supergroup chat")
	_, err = newTestModerator(t, api).ApproveJoinRequest(ctx, groupID, userID)
	assert.Error(t, err)
}

func TestNotifier_Notify(t *testing.T) {
	api := newFakeAPI(t)
	n := NewNotifier(newTestBot(t, api))

	require.NoError(t, n.Notify(context.Background(), notify.Notification{UserID: userID, Message: "verified"}))
	assert.Equal(t, "verified", api.params["sendMessage"]["text"])
	assert.Equal(t, "77", api.params["sendMessage"]["chat_id"])

	api.fail("sendMessage", "Forbidden: bot was blocked by the user")
	assert.Error(t, n.Notify(context.Background(), notify.Notification{UserID: userID, Message: "again"}))
}
