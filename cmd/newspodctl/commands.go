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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bcem/newspod/internal/history"
	"github.com/bcem/newspod/internal/lock"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/scheduler"
)

func executeRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.SeedTenants(ctx, a.Config.Tenants, false)

	a.Scheduler.StartWorkers(ctx)
	defer a.Scheduler.Stop()

	opts := scheduler.TriggerOptions{
		Mode:          models.ModeManual,
		Keywords:      cleanKeywords(runKeywords),
		TargetMinutes: runMinutes,
	}
	if runQuick {
		opts.Mode = models.ModeQuick
	}

	run, err := a.Scheduler.TriggerWait(ctx, runTenant, opts)
	if run != nil {
		if werr := writeJSON(cmd.OutOrStdout(), run); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if !run.Success() {
		return fmt.Errorf("run %s finished with outcome %s", run.ID, run.Outcome)
	}
	return nil
}

func executeTenants(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tenants, err := a.Tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	return writeTenants(cmd.OutOrStdout(), tenants, activeRuns(ctx, a.Locker, tenants), time.Now())
}

// activeRuns maps each tenant holding its run lock to the holding run ID.
func activeRuns(ctx context.Context, l lock.Locker, tenants []models.Tenant) map[string]string {
	active := make(map[string]string)
	for _, t := range tenants {
		runID, err := l.Holder(ctx, t.ID)
		if err != nil {
			slog.Warn("failed to read run lock", "tenant", t.ID, "error", err)
			continue
		}
		if runID != "" {
			active[t.ID] = runID
		}
	}
	return active
}

func executeHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.History.List(ctx, history.Query{
		TenantID: historyTenant,
		Outcome:  models.Outcome(historyOutcome),
		Limit:    historyLimit,
	})
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	return writeHistory(cmd.OutOrStdout(), runs)
}

// writeTenants prints one row per tenant with its next fire relative to now
// and the run currently holding its lock, if any.
func writeTenants(w io.Writer, tenants []models.Tenant, active map[string]string, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALIAS\tACCOUNTS\tSCHEDULE\tNEXT RUN\tACTIVE RUN")
	for _, t := range tenants {
		t = t.WithDefaults()
		sched := fmt.Sprintf("%s %s", t.Schedule.TimeOfDay, t.Schedule.Timezone)
		next := "disabled"
		if t.Schedule.Enabled {
			if at, err := scheduler.NextFire(t.Schedule, now); err != nil {
				next = "invalid: " + err.Error()
			} else {
				next = fmt.Sprintf("%s (%s)", at.UTC().Format(time.RFC3339), humanize.RelTime(at, now, "ago", "from now"))
			}
		}
		running := active[t.ID]
		if running == "" {
			running = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.ID, t.Alias, len(t.Accounts), sched, next, running)
	}
	return tw.Flush()
}

// writeHistory prints one row per run, newest first as returned.
func writeHistory(w io.Writer, runs []models.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tTRIGGERED\tOUTCOME\tITEMS\tSUMMARY")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Mode, r.TriggeredAt.UTC().Format(time.RFC3339), r.Outcome, r.ItemCount, history.Summary(r))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cleanKeywords(in []string) []string {
	var out []string
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
