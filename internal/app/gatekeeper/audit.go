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

type AuditType string

const (
	AuditGatePass          AuditType = "GATE_PASS"
	AuditGateFail          AuditType = "GATE_FAIL"
	AuditRecheck           AuditType = "RECHECK"
	AuditGraceExpired      AuditType = "GRACE_EXPIRED"
	AuditVerifyCreated     AuditType = "VERIFY_CREATED"
	AuditVerifySuccess     AuditType = "VERIFY_SUCCESS"
	AuditVerifyFailed      AuditType = "VERIFY_FAILED"
	AuditVerifyExpired     AuditType = "VERIFY_EXPIRED"
	AuditEnforceApprove    AuditType = "ENFORCE_APPROVE"
	AuditEnforceUnrestrict AuditType = "ENFORCE_UNRESTRICT"
	AuditEnforceRestrict   AuditType = "ENFORCE_RESTRICT"
	AuditEnforceKick       AuditType = "ENFORCE_KICK"
	AuditEnforceNoop       AuditType = "ENFORCE_NOOP"
	AuditEnforceFailed     AuditType = "ENFORCE_FAILED"
)

type Payload map[string]interface{}

// AuditEntry is append only. UserID 0 means the entry concerns the group.
type AuditEntry struct {
	GroupID   int64
	UserID    int64
	Type      AuditType
	Payload   Payload
	CreatedAt time.Time
}

type AuditStorage interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}
