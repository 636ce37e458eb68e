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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/enforce"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/flow"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/gate"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/pipeline"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/verify"
	"github.com/insolar/gatekeeper/internal/chain"
	"github.com/insolar/gatekeeper/observability"
)

type fakeSessions struct {
	err     error
	created []SessionRequest
}

func (f *fakeSessions) CreateSession(_ context.Context, userID, groupID int64, claimed string) (*gatekeeper.VerifySession, error) {
	f.created = append(f.created, SessionRequest{UserID: userID, GroupID: groupID, Address: claimed})
	if f.err != nil {
		return nil, f.err
	}
	return &gatekeeper.VerifySession{
		ID:                  "vs_test",
		UserID:              userID,
		GroupID:             groupID,
		ClaimedAddress:      claimed,
		VerificationAddress: "bitcoincash:qverify",
		AmountSat:           1234,
		Status:              gatekeeper.SessionPending,
		ExpiresAt:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

type fakeGates struct {
	err     error
	result  *pipeline.CheckResult
	summary pipeline.Summary
	users   []int64
}

func (f *fakeGates) ProcessGateCheck(context.Context, int64, int64) (*pipeline.CheckResult, error) {
	return f.result, f.err
}

func (f *fakeGates) ProcessUserGateChecks(_ context.Context, userID int64) pipeline.Summary {
	f.users = append(f.users, userID)
	return f.summary
}

func newTestServer(sessions Sessions, gates GateChecks) (*Server, *flow.Store) {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	flows := flow.NewStore(time.Hour)
	return NewServer(configuration.API{Listen: ":0"}, observability.New(log), sessions, gates, flows), flows
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorMessage {
	t.Helper()
	msg := ErrorMessage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	return msg
}

func TestServer_CreateSession(t *testing.T) {
	sessions := &fakeSessions{}
	s, _ := newTestServer(sessions, &fakeGates{})

	rec := do(t, s, http.MethodPost, "/api/v1/sessions", `{"user_id":7,"group_id":-100,"address":"bitcoincash:qclaimed"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := SessionResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "vs_test", resp.ID)
	assert.Equal(t, int64(1234), resp.AmountSat)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, []SessionRequest{{UserID: 7, GroupID: -100, Address: "bitcoincash:qclaimed"}}, sessions.created)
}

func TestServer_CreateSession_Rejects(t *testing.T) {
	s, _ := newTestServer(&fakeSessions{}, &fakeGates{})

	rec := do(t, s, http.MethodPost, "/api/v1/sessions", `{"user_id":7}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"group_id is required", "address is required"}, decodeError(t, rec).Error)

	rec = do(t, s, http.MethodPost, "/api/v1/sessions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid address", errors.Wrap(&chain.ValidationError{Field: "address", Reason: "bad checksum"}, "parse"), http.StatusBadRequest},
		{"unknown group", errors.Wrap(gatekeeper.ErrNotFound, "failed to load group"), http.StatusNotFound},
		{"no gate", gatekeeper.ErrGateNotConfigured, http.StatusConflict},
		{"busy", verify.ErrTooManySessions, http.StatusTooManyRequests},
		{"database down", errors.New("pg: connection refused on 10.0.0.1"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestServer(&fakeSessions{err: tc.err}, &fakeGates{})
			rec := do(t, s, http.MethodPost, "/api/v1/sessions", `{"user_id":1,"group_id":2,"address":"x"}`)
			assert.Equal(t, tc.code, rec.Code)
			assert.NotContains(t, rec.Body.String(), "10.0.0.1")
		})
	}
}

func TestServer_GateCheck(t *testing.T) {
	gates := &fakeGates{result: &pipeline.CheckResult{
		Evaluation: &gate.Evaluation{
			Pass:          true,
			Balance:       "1500",
			Threshold:     "1000",
			GateType:      gatekeeper.GateFT,
			TokenCategory: "ab",
			Address:       "bitcoincash:qholder",
		},
		Membership:  &gatekeeper.Membership{State: gatekeeper.StatePass},
		Previous:    gatekeeper.StatePendingVerify,
		Enforcement: &enforce.Result{Action: enforce.ActionApprove, Success: true},
	}}
	s, _ := newTestServer(&fakeSessions{}, gates)

	rec := do(t, s, http.MethodPost, "/api/v1/gate-checks", `{"user_id":7,"group_id":-100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := GateCheckResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Pass)
	assert.Equal(t, "1500", resp.Balance)
	assert.Equal(t, "VERIFIED_PASS", resp.State)
	assert.Equal(t, "PENDING_VERIFY", resp.Previous)
	assert.Equal(t, "APPROVE", resp.Action)
	require.NotNil(t, resp.ActionSuccess)
	assert.True(t, *resp.ActionSuccess)
}

func TestServer_GateCheck_Conflicts(t *testing.T) {
	for _, err := range []error{gatekeeper.ErrNoVerifiedAddress, gatekeeper.ErrGateNotConfigured, pipeline.ErrGroupInactive} {
		s, _ := newTestServer(&fakeSessions{}, &fakeGates{err: err})
		rec := do(t, s, http.MethodPost, "/api/v1/gate-checks", `{"user_id":7,"group_id":-100}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, []string{err.Error()}, decodeError(t, rec).Error)
	}
}

func TestServer_UserGateChecks(t *testing.T) {
	gates := &fakeGates{summary: pipeline.Summary{Checked: 3, Passed: 1, Failed: 1, Errors: 1}}
	s, _ := newTestServer(&fakeSessions{}, gates)

	rec := do(t, s, http.MethodPost, "/api/v1/users/42/gate-checks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := pipeline.Summary{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, gates.summary, summary)
	assert.Equal(t, []int64{42}, gates.users)

	rec = do(t, s, http.MethodPost, "/api/v1/users/abc/gate-checks", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Flows(t *testing.T) {
	s, flows := newTestServer(&fakeSessions{}, &fakeGates{})

	rec := do(t, s, http.MethodGet, "/api/v1/flows/5", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/v1/flows/5", `{"step":"address"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a new flow needs a name")

	rec = do(t, s, http.MethodPut, "/api/v1/flows/5", `{"name":"setup","step":"category","data":{"group":"-100"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/v1/flows/5", `{"step":"threshold","data":{"category":"ab"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := FlowResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "setup", resp.Name)
	assert.Equal(t, "threshold", resp.Step)
	assert.Equal(t, map[string]string{"group": "-100", "category": "ab"}, resp.Data)

	rec = do(t, s, http.MethodGet, "/api/v1/flows/5", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/v1/flows/5", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, flows.Len())
}
