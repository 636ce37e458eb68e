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

type MembershipState string

const (
	StateUnknown       MembershipState = "UNKNOWN"
	StatePendingVerify MembershipState = "PENDING_VERIFY"
	StatePass          MembershipState = "VERIFIED_PASS"
	StateFail          MembershipState = "VERIFIED_FAIL"
)

type EnforcedState string

const (
	EnforcedNone       EnforcedState = "NONE"
	EnforcedRestricted EnforcedState = "RESTRICTED"
	EnforcedKicked     EnforcedState = "KICKED"
)

type Membership struct {
	UserID          int64
	GroupID         int64
	State           MembershipState
	LastBalanceBase string
	LastCheckedAt   *time.Time
	// set once per PASS to FAIL transition, cleared on PASS
	FailDetectedAt *time.Time
	Enforced       EnforcedState
}

func NewMembership(userID, groupID int64) *Membership {
	return &Membership{
		UserID:          userID,
		GroupID:         groupID,
		State:           StateUnknown,
		LastBalanceBase: "0",
		Enforced:        EnforcedNone,
	}
}

type MembershipStorage interface {
	Membership(ctx context.Context, userID, groupID int64) (*Membership, error)
	UserMemberships(ctx context.Context, userID int64) ([]*Membership, error)
	// DueForRecheck returns evaluated memberships of the group never checked
	// or last checked before checkedBefore.
	DueForRecheck(ctx context.Context, groupID int64, checkedBefore time.Time) ([]*Membership, error)
	// GraceExpired returns unenforced VERIFIED_FAIL memberships whose failure
	// was detected at or before failedBefore.
	GraceExpired(ctx context.Context, groupID int64, failedBefore time.Time) ([]*Membership, error)
	// SaveMembership upserts the evaluation fields. Enforced is written only
	// on insert, SetEnforced owns it afterwards.
	SaveMembership(ctx context.Context, m *Membership) error
	SetEnforced(ctx context.Context, userID, groupID int64, enforced EnforcedState) error
}
