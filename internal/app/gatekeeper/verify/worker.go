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
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/pipeline"
	"github.com/insolar/gatekeeper/internal/chain"
	"github.com/insolar/gatekeeper/internal/notify"
	"github.com/insolar/gatekeeper/observability"
)

// Chain is what the worker needs from the chain adapter.
type Chain interface {
	AddressParser
	ScanIncoming(ctx context.Context, address string) ([]chain.HistoryItem, error)
	GetTx(ctx context.Context, txid string) (*chain.ParsedTx, error)
	ResolveInputAddresses(ctx context.Context, tx *chain.ParsedTx) ([]chain.Address, error)
}

type GateChecker interface {
	ProcessGateCheck(ctx context.Context, userID, groupID int64) (*pipeline.CheckResult, error)
}

type Worker struct {
	service  *Service
	store    gatekeeper.Store
	chain    Chain
	gate     GateChecker
	audit    *audit.Recorder
	notifier notify.Sink
	log      *logrus.Logger

	running  int32
	outcomes *prometheus.CounterVec
	skipped  prometheus.Counter
}

func NewWorker(
	obs *observability.Observability,
	service *Service,
	store gatekeeper.Store,
	chain Chain,
	gate GateChecker,
	recorder *audit.Recorder,
	notifier notify.Sink,
) *Worker {
	return &Worker{
		service:  service,
		store:    store,
		chain:    chain,
		gate:     gate,
		audit:    recorder,
		notifier: notifier,
		log:      obs.Log(),
		outcomes: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_verify_sessions_finished_total",
			Help: "Verification sessions finished by outcome.",
		}, "outcome"),
		skipped: obs.Counter(prometheus.CounterOpts{
			Name: "gatekeeper_verify_cycles_skipped_total",
			Help: "Worker ticks skipped because the previous cycle was still running.",
		}),
	}
}

// Cycle matches incoming payments against PENDING sessions. It returns
// false when a previous cycle is still running.
func (w *Worker) Cycle(ctx context.Context) bool {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		w.skipped.Inc()
		w.log.Debug("verification cycle still running, tick skipped")
		return false
	}
	defer atomic.StoreInt32(&w.running, 0)

	sessions, err := w.store.PendingSessions(ctx, w.service.now().UTC())
	if err != nil {
		w.log.WithError(err).Error("failed to load pending sessions")
		return true
	}

	var order []string
	byAddress := make(map[string][]*gatekeeper.VerifySession)
	for _, s := range sessions {
		if _, ok := byAddress[s.VerificationAddress]; !ok {
			order = append(order, s.VerificationAddress)
		}
		byAddress[s.VerificationAddress] = append(byAddress[s.VerificationAddress], s)
	}
	for _, address := range order {
		if err := w.processAddress(ctx, address, byAddress[address]); err != nil {
			w.log.WithField("address", address).WithError(err).Error("failed to process verification address")
		}
	}

	if n, err := w.service.ExpireStale(ctx); err != nil {
		w.log.WithError(err).Error("failed to expire sessions")
	} else if n > 0 {
		w.outcomes.WithLabelValues(string(gatekeeper.SessionExpired)).Add(float64(n))
	}
	return true
}

func (w *Worker) processAddress(ctx context.Context, address string, sessions []*gatekeeper.VerifySession) error {
	dest, err := w.chain.ParseAddress(address)
	if err != nil {
		return err
	}
	history, err := w.chain.ScanIncoming(ctx, address)
	if err != nil {
		return errors.Wrap(err, "failed to scan incoming transactions")
	}
	consumedList, err := w.store.ConsumedTxids(ctx, address)
	if err != nil {
		return errors.Wrap(err, "failed to load consumed transactions")
	}
	consumed := make(map[string]struct{}, len(consumedList))
	for _, txid := range consumedList {
		consumed[txid] = struct{}{}
	}
	byAmount := make(map[int64]*gatekeeper.VerifySession, len(sessions))
	for _, s := range sessions {
		byAmount[s.AmountSat] = s
	}

	for _, item := range history {
		if len(byAmount) == 0 {
			return nil
		}
		if _, ok := consumed[item.TxHash]; ok {
			continue
		}
		tx, err := w.chain.GetTx(ctx, item.TxHash)
		if err != nil {
			w.log.WithFields(logrus.Fields{"address": address, "txid": item.TxHash}).WithError(err).Error("failed to get transaction")
			continue
		}
		if s := w.match(tx, item.Height, dest, byAmount); s != nil {
			delete(byAmount, s.AmountSat)
			w.settle(ctx, s, tx)
		}
	}
	return nil
}

// match returns the first session paid by an output of tx. One transaction
// satisfies at most one session. A transaction confirmed at or below the
// session's start height was sent before the session existed.
func (w *Worker) match(tx *chain.ParsedTx, height int64, dest chain.Address, byAmount map[int64]*gatekeeper.VerifySession) *gatekeeper.VerifySession {
	for _, out := range tx.Outputs {
		s, ok := byAmount[int64(out.Value)]
		if !ok {
			continue
		}
		if s.StartHeight > 0 && height > 0 && height <= s.StartHeight {
			continue
		}
		addr, ok := out.Address()
		if ok && chain.SameDestination(addr, dest) {
			return s
		}
	}
	return nil
}

func (w *Worker) settle(ctx context.Context, s *gatekeeper.VerifySession, tx *chain.ParsedTx) {
	logger := w.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"group_id":   s.GroupID,
		"txid":       tx.TxID,
	})
	claimed, err := w.chain.ParseAddress(s.ClaimedAddress)
	if err != nil {
		logger.WithError(err).Error("session holds an invalid claimed address")
		return
	}
	inputs, resolveErr := w.chain.ResolveInputAddresses(ctx, tx)
	owned := false
	spenders := make([]string, 0, len(inputs))
	for _, in := range inputs {
		spenders = append(spenders, in.String())
		if chain.SameDestination(in, claimed) {
			owned = true
		}
	}
	if !owned && resolveErr != nil {
		// Unknown inputs may still be the claimed address: retry next cycle.
		logger.WithError(resolveErr).Error("failed to resolve payment inputs, session left pending")
		return
	}

	status := gatekeeper.SessionFailed
	if owned {
		status = gatekeeper.SessionSuccess
	}
	ok, err := w.store.FinishSession(ctx, s.ID, status, tx.TxID)
	if err != nil {
		logger.WithError(err).Error("failed to finish session")
		return
	}
	if !ok {
		logger.Debug("session already finished")
		return
	}
	w.outcomes.WithLabelValues(string(status)).Inc()

	if !owned {
		w.audit.Record(ctx, gatekeeper.AuditVerifyFailed, s.GroupID, s.UserID, gatekeeper.Payload{
			"session_id": s.ID,
			"txid":       tx.TxID,
			"claimed":    s.ClaimedAddress,
			"inputs":     spenders,
		})
		logger.Warn("payment did not come from the claimed address")
		notify.Send(ctx, w.notifier, w.log, 10*time.Second, notify.Notification{
			Kind:    notify.KindVerifyFailed,
			UserID:  s.UserID,
			GroupID: s.GroupID,
			Message: "The verification payment was not sent from the address you claimed. Start a new verification and pay from that address.",
		})
		return
	}

	w.audit.Record(ctx, gatekeeper.AuditVerifySuccess, s.GroupID, s.UserID, gatekeeper.Payload{
		"session_id": s.ID,
		"txid":       tx.TxID,
		"address":    s.ClaimedAddress,
	})
	if err := w.store.SaveVerifiedAddress(ctx, &gatekeeper.UserAddress{
		UserID:     s.UserID,
		Address:    s.ClaimedAddress,
		VerifiedAt: w.service.now().UTC(),
	}); err != nil {
		logger.WithError(err).Error("failed to save verified address")
		return
	}
	logger.Info("address verified")
	notify.Send(ctx, w.notifier, w.log, 10*time.Second, notify.Notification{
		Kind:    notify.KindVerified,
		UserID:  s.UserID,
		GroupID: s.GroupID,
		Message: "Address " + s.ClaimedAddress + " verified. Checking your token holding now.",
	})
	if _, err := w.gate.ProcessGateCheck(ctx, s.UserID, s.GroupID); err != nil {
		logger.WithError(err).Error("gate check after verification failed")
	}
}
