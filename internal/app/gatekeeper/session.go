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

package gatekeeper

import (
	"context"
	"time"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "PENDING"
	SessionSuccess SessionStatus = "SUCCESS"
	SessionFailed  SessionStatus = "FAILED"
	SessionExpired SessionStatus = "EXPIRED"
)

// VerifySession is an ownership challenge: the user pays AmountSat from
// ClaimedAddress to VerificationAddress. Terminal once not PENDING.
type VerifySession struct {
	ID                  string
	UserID              int64
	GroupID             int64
	ClaimedAddress      string
	VerificationAddress string
	AmountSat           int64
	Status              SessionStatus
	TxID                string
	// chain tip when the session opened, 0 if unknown; payments confirmed
	// at or below it predate the session
	StartHeight         int64
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

func (s *VerifySession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type SessionStorage interface {
	// CreateSession expires the PENDING session of the same (user, group), if
	// any, and inserts s. It returns ErrAmountTaken when another PENDING
	// session on the same verification address or in the same group holds
	// the amount.
	CreateSession(ctx context.Context, s *VerifySession) (expired *VerifySession, err error)
	Session(ctx context.Context, id string) (*VerifySession, error)
	PendingSession(ctx context.Context, userID, groupID int64) (*VerifySession, error)
	// PendingSessions returns PENDING sessions not yet expired at now.
	PendingSessions(ctx context.Context, now time.Time) ([]*VerifySession, error)
	// PendingAmounts lists the amounts held by PENDING sessions paying to
	// verificationAddress or belonging to groupID.
	PendingAmounts(ctx context.Context, verificationAddress string, groupID int64) ([]int64, error)
	// FinishSession moves a PENDING session to a terminal status. It reports
	// false when the session was already terminal.
	FinishSession(ctx context.Context, id string, status SessionStatus, txid string) (bool, error)
	// ExpireSessions marks PENDING sessions with ExpiresAt <= now as EXPIRED
	// and returns them.
	ExpireSessions(ctx context.Context, now time.Time) ([]*VerifySession, error)
	// ConsumedTxids lists the transactions already matched by sessions of the
	// verification address.
	ConsumedTxids(ctx context.Context, verificationAddress string) ([]string, error)
}
