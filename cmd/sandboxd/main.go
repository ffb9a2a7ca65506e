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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/daemon"
	"github.com/tombee/sandboxd/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath   = flag.String("config", "", "Path to config file")
		socketPath   = flag.String("socket", "", "Unix socket path")
		tcpAddr      = flag.String("tcp", "", "TCP address to listen on")
		playbooksDir = flag.String("playbooks-dir", "", "Directory of playbook YAML files")
		dataDir      = flag.String("data-dir", "", "Directory for daemon state")
		runtimeURL   = flag.String("runtime-url", "", "Runtime agent base URL")
		allowRemote  = flag.Bool("allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sandboxd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	// Load daemon configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *socketPath != "" {
		cfg.Daemon.Listen.SocketPath = *socketPath
	}
	if *tcpAddr != "" {
		cfg.Daemon.Listen.TCPAddr = *tcpAddr
	}
	if *playbooksDir != "" {
		cfg.Daemon.PlaybooksDir = *playbooksDir
	}
	if *dataDir != "" {
		cfg.Daemon.DataDir = *dataDir
	}
	if *runtimeURL != "" {
		cfg.Runtime.AgentURL = *runtimeURL
	}
	if *allowRemote {
		cfg.Daemon.Listen.AllowRemote = true
		logger.Warn("--allow-remote is enabled. The daemon will accept connections from any network address. Ensure you have proper authentication configured for production use.")
	}

	// Create daemon instance
	d, err := daemon.New(cfg, daemon.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, logger)
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	// Run until interrupted
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		logger.Error("Daemon error", slog.Any("error", err))
		os.Exit(1)
	}
}
