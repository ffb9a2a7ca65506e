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

package status

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/sandboxd/internal/commands/shared"
)

// NewCommand creates the status command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <sandbox-id>",
		Short: "Show the daemon's current view of a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	sb, err := c.GetSandbox(cmd.Context(), args[0])
	if err != nil {
		return shared.NewDaemonError("failed to get sandbox", err)
	}

	if shared.GetJSON() {
		data, merr := json.MarshalIndent(sb, "", "  ")
		if merr != nil {
			return merr
		}
		cmd.Println(string(data))
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sandbox:    %s\n", sb.ID)
	fmt.Fprintf(out, "Phase:      %s\n", sb.Phase)
	if sb.Progress != "" {
		fmt.Fprintf(out, "Progress:   %s\n", sb.Progress)
	}
	if sb.URL != "" {
		fmt.Fprintf(out, "URL:        %s\n", sb.URL)
	}
	if sb.Message != "" {
		fmt.Fprintf(out, "Message:    %s\n", sb.Message)
	}
	fmt.Fprintf(out, "Last touch: %s\n", sb.LastTouch.Local().Format("2006-01-02 15:04:05"))
	return nil
}
