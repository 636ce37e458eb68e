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
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAmountTaken is a lost race for a verification amount.
	ErrAmountTaken       = errors.New("verification amount already taken")
	ErrGateNotConfigured = errors.New("gate is not configured for the group")
	ErrNoVerifiedAddress = errors.New("user has no verified address")
)

type Store interface {
	GroupStorage
	MembershipStorage
	SessionStorage
	AddressStorage
	AuditStorage
}
