// Copyright 2025 Tom Barlow
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

package open

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/sandboxd/internal/commands/shared"
	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/log"
	"github.com/tombee/sandboxd/internal/watch"
	"github.com/tombee/sandboxd/pkg/lifecycle"
)

// NewCommand creates the open command.
func NewCommand() *cobra.Command {
	var (
		playbookName string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "open <sandbox-id>",
		Short: "Provision a sandbox and wait for its URL",
		Long: `Open provisions a sandbox under the given id and blocks until it is
ready or failed. Opening an id that is already ready prints its URL
immediately; opening an id that is mid-provisioning joins the existing
run instead of starting a second one.

A failed id stays failed. To retry, open a fresh id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(cmd, args[0], playbookName, timeout)
		},
	}

	cmd.Flags().StringVarP(&playbookName, "playbook", "p", "", "Playbook to provision with (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override the watch deadline (default: 120s)")
	cmd.MarkFlagRequired("playbook")

	return cmd
}

func runOpen(cmd *cobra.Command, id, playbookName string, timeout time.Duration) error {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}
	if timeout > 0 {
		cfg.Watch.MaxWait = timeout
	}

	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	logger := slog.New(slog.DiscardHandler)
	if shared.GetVerbose() {
		logger = log.New(log.FromEnv())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := watch.New(watch.ClientSource(c), cfg.Watch, logger)
	started := time.Now()

	ev, err := w.Await(ctx, id, playbookName, func(ev lifecycle.Event) {
		if !shared.GetQuiet() && !shared.GetJSON() {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", ev.Step)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return shared.NewProvisionError("interrupted", ctx.Err())
		}
		if ev.Type == lifecycle.EventError {
			return failedHint(id, ev)
		}
		return shared.NewDaemonError("failed to open sandbox", err)
	}

	if shared.GetJSON() {
		data, merr := json.MarshalIndent(map[string]string{
			"sandbox_id": id,
			"phase":      string(lifecycle.PhaseReady),
			"url":        ev.URL,
		}, "", "  ")
		if merr != nil {
			return merr
		}
		cmd.Println(string(data))
		return nil
	}

	if !shared.GetQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "Sandbox %s ready in %s\n", id, time.Since(started).Round(time.Second))
	}
	cmd.Println(ev.URL)
	return nil
}

// failedHint wraps a terminal failure with the retry guidance: failed
// ids are permanent, so suggest a fresh one.
func failedHint(id string, ev lifecycle.Event) error {
	fresh := fmt.Sprintf("%s-%s", id, uuid.NewString()[:8])
	return shared.NewProvisionError(
		fmt.Sprintf("sandbox %s failed: %s\nFailed ids are never retried. Open a fresh id instead, e.g.:\n  sandboxctl open %s --playbook <name>", id, ev.Message, fresh),
		nil,
	)
}
