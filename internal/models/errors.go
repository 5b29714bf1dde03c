// Copyright (c) 2026 John Earle
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

package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSourceAccounts ends a run early: the tenant has nothing to fetch from.
	ErrNoSourceAccounts = errors.New("tenant has no source accounts")

	// ErrNoItemsAfterFilter ends a run early: nothing survived fetch + filter.
	ErrNoItemsAfterFilter = errors.New("no items left after filtering")

	// ErrRunTimeout marks a run that exceeded its wall-clock budget.
	ErrRunTimeout = errors.New("run exceeded its time budget")

	// ErrRunActive is returned when a tenant already has a run in flight.
	ErrRunActive = errors.New("a run is already active for this tenant")

	// ErrPublishPartial annotates a run whose remote upload failed.
	ErrPublishPartial = errors.New("remote upload failed; local artifacts kept")

	// ErrFilterDegraded annotates verdicts that fell back to the heuristic.
	ErrFilterDegraded = errors.New("filter fell back to keyword heuristic")

	// ErrTenantNotFound is returned by lookups for an unknown tenant.
	ErrTenantNotFound = errors.New("tenant not found")
)

// Account failure kinds.
const (
	FailureAuth     = "auth-rejected"
	FailureTimeout  = "connection-timeout"
	FailureProtocol = "protocol-error"
)

// AccountFailure records one mail account that could not be fetched.
type AccountFailure struct {
	AccountID string `json:"account_id"`
	Address   string `json:"address"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
}

func (f AccountFailure) Error() string {
	return fmt.Sprintf("account %s: %s: %s", f.Address, f.Kind, f.Reason)
}

// AuthError marks a credential rejection from a mail provider.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth rejected: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// StageFatalError terminates a run at the given stage.
type StageFatalError struct {
	Stage Stage
	Err   error
}

func (e *StageFatalError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFatalError) Unwrap() error { return e.Err }
