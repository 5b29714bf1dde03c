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

// Package models holds the domain types shared across the generation
// pipeline: tenants, fetched source items, filter verdicts and runs.
package models

// Mail providers supported by the source fetcher.
const (
	ProviderGmail = "gmail"
	ProviderM365  = "m365"
)

// Filter modes.
const (
	FilterSmart  = "smart"
	FilterSimple = "simple"
)

// Defaults applied when a tenant record leaves a field empty.
const (
	DefaultTimeOfDay     = "08:00"
	DefaultTimezone      = "UTC"
	DefaultTargetMinutes = 10
	DefaultLookbackHours = 24
)

// SourceAccount is one mail account a tenant pulls newsletters from.
type SourceAccount struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "gmail" or "m365"
	Address       string `json:"address"`
	CredentialRef string `json:"credential_ref"`
	DirectoryID   string `json:"directory_id,omitempty"` // m365 only
}

// Profile personalises filtering and script generation.
type Profile struct {
	DisplayName   string   `json:"display_name"`
	Role          string   `json:"role"`
	Interests     []string `json:"interests"`
	FilterMode    string   `json:"filter_mode"`
	Keywords      []string `json:"keywords,omitempty"`
	VoiceID       string   `json:"voice_id,omitempty"`
	TargetMinutes int      `json:"target_minutes"`
	LookbackHours int      `json:"lookback_hours"`
}

// Schedule is the daily trigger for a tenant.
type Schedule struct {
	TimeOfDay string `json:"time_of_day"` // HH:MM
	Timezone  string `json:"timezone"`
	Enabled   bool   `json:"enabled"`
}

// UploadTarget is an optional remote destination for published audio.
type UploadTarget struct {
	Provider      string `json:"provider"` // "gdrive"
	FolderID      string `json:"folder_id,omitempty"`
	CredentialRef string `json:"credential_ref"`
}

// Tenant is one registered user of the system.
type Tenant struct {
	ID       string          `json:"id"`
	Alias    string          `json:"alias"`
	Accounts []SourceAccount `json:"accounts"`
	Profile  Profile         `json:"profile"`
	Schedule Schedule        `json:"schedule"`
	Upload   *UploadTarget   `json:"upload,omitempty"`
}

// WithDefaults returns a copy of the tenant with empty profile and
// schedule fields filled in.
func (t Tenant) WithDefaults() Tenant {
	if t.Alias == "" {
		t.Alias = t.ID
	}
	if t.Profile.FilterMode == "" {
		t.Profile.FilterMode = FilterSimple
	}
	if t.Profile.TargetMinutes <= 0 {
		t.Profile.TargetMinutes = DefaultTargetMinutes
	}
	if t.Profile.LookbackHours <= 0 {
		t.Profile.LookbackHours = DefaultLookbackHours
	}
	if t.Profile.DisplayName == "" {
		t.Profile.DisplayName = "there"
	}
	if t.Schedule.TimeOfDay == "" {
		t.Schedule.TimeOfDay = DefaultTimeOfDay
	}
	if t.Schedule.Timezone == "" {
		t.Schedule.Timezone = DefaultTimezone
	}
	return t
}
