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

// UserAddress is an address whose ownership the user proved.
type UserAddress struct {
	UserID     int64
	Address    string
	VerifiedAt time.Time
}

type AddressStorage interface {
	SaveVerifiedAddress(ctx context.Context, a *UserAddress) error
	// LatestAddress returns the most recently verified address of the user.
	LatestAddress(ctx context.Context, userID int64) (*UserAddress, error)
}
