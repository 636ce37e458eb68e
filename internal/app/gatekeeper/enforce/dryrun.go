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

package enforce

import (
	"context"

	"github.com/sirupsen/logrus"
)

// DryRun is the Moderator used when no chat bot is configured. It logs the
// actions it would take and reports every one of them as applied.
type DryRun struct {
	log logrus.FieldLogger
}

func NewDryRun(log logrus.FieldLogger) *DryRun {
	return &DryRun{log: log.WithField("moderator", "dry-run")}
}

func (d *DryRun) act(action Action, groupID, userID int64) (bool, error) {
	d.log.WithFields(logrus.Fields{
		"action":   action,
		"group_id": groupID,
		"user_id":  userID,
	}).Info("moderation skipped")
	return true, nil
}

func (d *DryRun) ApproveJoinRequest(_ context.Context, groupID, userID int64) (bool, error) {
	return d.act(ActionApprove, groupID, userID)
}

func (d *DryRun) Unrestrict(_ context.Context, groupID, userID int64) (bool, error) {
	return d.act(ActionUnrestrict, groupID, userID)
}

func (d *DryRun) Restrict(_ context.Context, groupID, userID int64) (bool, error) {
	return d.act(ActionRestrict, groupID, userID)
}

func (d *DryRun) Kick(_ context.Context, groupID, userID int64) (bool, error) {
	return d.act(ActionKick, groupID, userID)
}
