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

package destroy

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/sandboxd/internal/commands/shared"
)

// NewCommand creates the destroy command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <sandbox-id>",
		Short: "Tear down a sandbox and forget its lifecycle entry",
		Long: `Destroy tears down the sandbox's runtime resources and removes its
lifecycle entry. The id becomes free again: opening it afterwards
provisions a fresh sandbox from scratch.`,
		Args: cobra.ExactArgs(1),
		RunE: runDestroy,
	}
}

func runDestroy(cmd *cobra.Command, args []string) error {
	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	if err := c.DestroySandbox(cmd.Context(), args[0]); err != nil {
		return shared.NewDaemonError("failed to destroy sandbox", err)
	}

	if !shared.GetQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "Sandbox %s destroyed\n", args[0])
	}
	return nil
}
