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

package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "sandboxctl" {
		t.Errorf("expected use 'sandboxctl', got %q", cmd.Use)
	}

	if cmd.Short == "" {
		t.Error("expected short description to be set")
	}

	if cmd.Long == "" {
		t.Error("expected long description to be set")
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"verbose", "quiet", "json", "config", "host"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("%s flag not registered", name)
		}
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")

	v, c, b := GetVersion()
	if v != "1.2.3" {
		t.Errorf("expected version '1.2.3', got %q", v)
	}
	if c != "abc123" {
		t.Errorf("expected commit 'abc123', got %q", c)
	}
	if b != "2025-12-22" {
		t.Errorf("expected build date '2025-12-22', got %q", b)
	}
}

func TestHelpCommandJSON(t *testing.T) {
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(&cobra.Command{
		Use:   "open <sandbox-id>",
		Short: "Provision a sandbox and wait for its URL",
	})

	helpCmd := NewHelpCommand(rootCmd)
	var out bytes.Buffer
	helpCmd.SetOut(&out)
	if err := helpCmd.Flags().Set("json", "true"); err != nil {
		t.Fatal(err)
	}

	if err := helpCmd.RunE(helpCmd, nil); err != nil {
		t.Fatalf("help --json: %v", err)
	}

	var resp HelpResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(resp.Commands) == 0 {
		t.Error("expected at least one command in help output")
	}
	if len(resp.GlobalFlags) == 0 {
		t.Error("expected global flags in help output")
	}
}
