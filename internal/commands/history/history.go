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

package history

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/sandboxd/internal/commands/shared"
)

// NewCommand creates the history command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <sandbox-id>",
		Short: "Show the recorded phase transitions for a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	transitions, err := c.History(cmd.Context(), args[0])
	if err != nil {
		return shared.NewDaemonError("failed to get history", err)
	}

	if shared.GetJSON() {
		data, merr := json.MarshalIndent(transitions, "", "  ")
		if merr != nil {
			return merr
		}
		cmd.Println(string(data))
		return nil
	}

	if len(transitions) == 0 {
		cmd.Println("No history recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPHASE\tDETAIL")
	for _, tr := range transitions {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			tr.CreatedAt.Local().Format("15:04:05"),
			tr.Phase,
			tr.Detail,
		)
	}
	return w.Flush()
}
