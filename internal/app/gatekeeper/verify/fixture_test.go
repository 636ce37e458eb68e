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

package verify

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/pipeline"
	"github.com/insolar/gatekeeper/internal/chain"
	"github.com/insolar/gatekeeper/internal/testutils"
	"github.com/insolar/gatekeeper/observability"
)

const (
	groupID      = int64(-100)
	claimedAddr  = "bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a"
	verifyAddr   = "bitcoincash:ppm2qsznhks23z7629mms6s4cwef74vcwvn0h829pq"
	categoryTest = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mustAddress(t *testing.T, s string) chain.Address {
	addr, err := chain.DecodeAddress(s, "bitcoincash")
	require.NoError(t, err)
	return addr
}

func otherAddress() chain.Address {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = 0x42
	}
	return chain.Address{Prefix: "bitcoincash", Type: chain.AddressP2PKH, Hash: hash}
}

type fakeChain struct {
	mu      sync.Mutex
	history map[string][]chain.HistoryItem
	txs     map[string]*chain.ParsedTx
	fetched []string
	tip     int64
	tipErr  error
	// inputs without a known address resolve to resolved, or fail with
	// resolveErr
	resolved   *chain.Address
	resolveErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		history: make(map[string][]chain.HistoryItem),
		txs:     make(map[string]*chain.ParsedTx),
	}
}

// pay adds a mempool transaction from spender paying value to verifyAddr.
func (c *fakeChain) pay(t *testing.T, txid string, spender chain.Address, values ...uint64) {
	c.payAt(t, 0, txid, &spender, values...)
}

// payAt adds a transaction confirmed at height. A nil spender leaves the
// input address to the spent output lookup.
func (c *fakeChain) payAt(t *testing.T, height int64, txid string, spender *chain.Address, values ...uint64) {
	dest := mustAddress(t, verifyAddr)
	tx := &chain.ParsedTx{
		TxID:   txid,
		Inputs: []chain.Input{chain.NewInput(strings.Repeat("ee", 32), 0, spender)},
	}
	for _, v := range values {
		tx.Outputs = append(tx.Outputs, chain.NewOutput(v, dest, nil))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[txid] = tx
	c.history[verifyAddr] = append(c.history[verifyAddr], chain.HistoryItem{TxHash: txid, Height: height})
}

func (c *fakeChain) setResolution(addr *chain.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved, c.resolveErr = addr, err
}

func (c *fakeChain) ParseAddress(s string) (chain.Address, error) {
	return chain.DecodeAddress(s, "bitcoincash")
}

func (c *fakeChain) TipHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, c.tipErr
}

func (c *fakeChain) ScanIncoming(_ context.Context, address string) ([]chain.HistoryItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.HistoryItem(nil), c.history[address]...), nil
}

func (c *fakeChain) GetTx(_ context.Context, txid string) (*chain.ParsedTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = append(c.fetched, txid)
	tx, ok := c.txs[txid]
	if !ok {
		return nil, &chain.DecodeError{TxID: txid, Reason: "truncated"}
	}
	return tx, nil
}

func (c *fakeChain) ResolveInputAddresses(_ context.Context, tx *chain.ParsedTx) ([]chain.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []chain.Address
	var firstErr error
	for _, in := range tx.Inputs {
		if addr, ok := in.Address(); ok {
			res = append(res, addr)
			continue
		}
		switch {
		case c.resolveErr != nil:
			if firstErr == nil {
				firstErr = c.resolveErr
			}
		case c.resolved != nil:
			res = append(res, *c.resolved)
		}
	}
	return res, firstErr
}

type gateCalls struct {
	mu    sync.Mutex
	calls [][2]int64
	err   error
}

func (g *gateCalls) ProcessGateCheck(_ context.Context, userID, groupID int64) (*pipeline.CheckResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, [2]int64{userID, groupID})
	return nil, g.err
}

type fixture struct {
	store   *testutils.MemoryStore
	chain   *fakeChain
	gate    *gateCalls
	sink    *testutils.SinkRecorder
	service *Service
	worker  *Worker
}

func newFixture(t *testing.T, minSat, maxSat int64) *fixture {
	obs := observability.New(logrus.New())
	f := &fixture{
		store: testutils.NewMemoryStore(),
		chain: newFakeChain(),
		gate:  &gateCalls{},
		sink:  &testutils.SinkRecorder{},
	}
	cfg := configuration.Default().Verify
	recorder := audit.NewRecorder(obs, f.store)
	f.service = NewService(cfg, obs, f.store, f.chain, recorder)
	f.service.now = func() time.Time { return testNow }
	f.worker = NewWorker(obs, f.service, f.store, f.chain, f.gate, recorder, f.sink)

	require.NoError(t, f.store.SaveGroup(context.Background(), &gatekeeper.Group{
		ID:     groupID,
		Title:  "holders",
		Mode:   gatekeeper.ModeRestrict,
		Active: true,
		Rule: &gatekeeper.GateRule{
			GateType:            gatekeeper.GateFT,
			TokenCategory:       categoryTest,
			MinAmountBase:       big.NewInt(1),
			ActionOnFail:        gatekeeper.FailRestrict,
			VerificationAddress: verifyAddr,
			VerifyMinSat:        minSat,
			VerifyMaxSat:        maxSat,
		},
	}))
	return f
}

// session stores a PENDING session with a chosen amount.
func (f *fixture) session(t *testing.T, id string, userID, amount int64, expiresIn time.Duration) {
	_, err := f.store.CreateSession(context.Background(), &gatekeeper.VerifySession{
		ID:                  id,
		UserID:              userID,
		GroupID:             groupID,
		ClaimedAddress:      claimedAddr,
		VerificationAddress: verifyAddr,
		AmountSat:           amount,
		Status:              gatekeeper.SessionPending,
		CreatedAt:           testNow,
		ExpiresAt:           testNow.Add(expiresIn),
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id string) gatekeeper.SessionStatus {
	s, err := f.store.Session(context.Background(), id)
	require.NoError(t, err)
	return s.Status
}
