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
	"math/big"
	"time"
)

type GateType string

const (
	GateFT  GateType = "FT"
	GateNFT GateType = "NFT"
)

type FailAction string

const (
	FailRestrict FailAction = "RESTRICT"
	FailKick     FailAction = "KICK"
)

// GroupMode is how the community admits members.
type GroupMode string

const (
	ModeJoinRequest GroupMode = "JOIN_REQUEST"
	ModeRestrict    GroupMode = "RESTRICT"
)

// GateRule is the holding requirement of a group. It is read fresh on every
// evaluation, so an update applies from the next check on.
type GateRule struct {
	GateType      GateType
	TokenCategory string
	// FT only, in token base units.
	MinAmountBase *big.Int
	// NFT only.
	MinCount int

	RecheckIntervalSec int64
	GracePeriodSec     int64
	ActionOnFail       FailAction

	VerificationAddress string
	VerifyMinSat        int64
	VerifyMaxSat        int64
}

func (r *GateRule) RecheckInterval() time.Duration {
	return time.Duration(r.RecheckIntervalSec) * time.Second
}

func (r *GateRule) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSec) * time.Second
}

// Threshold is the minimum holding as a decimal string.
func (r *GateRule) Threshold() string {
	if r.GateType == GateNFT {
		return big.NewInt(int64(r.MinCount)).String()
	}
	if r.MinAmountBase == nil {
		return "0"
	}
	return r.MinAmountBase.String()
}

type Group struct {
	ID     int64
	Title  string
	Mode   GroupMode
	Active bool
	// nil until the group is configured
	Rule *GateRule
}

type GroupStorage interface {
	Group(ctx context.Context, groupID int64) (*Group, error)
	ActiveGroups(ctx context.Context) ([]*Group, error)
	SaveGroup(ctx context.Context, group *Group) error
}
