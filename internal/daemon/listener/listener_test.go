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

package listener

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/sandboxd/internal/config"
)

func TestNew_UnixSocket(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test.sock")

	ln, err := New(config.ListenConfig{SocketPath: socketPath})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Socket file not created: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("Socket permissions = %o, want 0600", mode)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to connect to socket: %v", err)
	}
	conn.Close()
}

func TestNew_UnixSocket_ReplacesStale(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test.sock")

	ln, err := New(config.ListenConfig{SocketPath: socketPath})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ln.Close()

	// A second daemon start must replace the stale socket file.
	ln, err = New(config.ListenConfig{SocketPath: socketPath})
	if err != nil {
		t.Fatalf("New() after stale socket error = %v", err)
	}
	ln.Close()
}

func TestNew_TCP_Localhost(t *testing.T) {
	ln, err := New(config.ListenConfig{TCPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect to TCP listener: %v", err)
	}
	conn.Close()
}

func TestNew_TCP_BlocksRemote(t *testing.T) {
	tests := []struct {
		name        string
		addr        string
		allowRemote bool
		wantErr     bool
	}{
		{name: "localhost allowed", addr: "127.0.0.1:0", wantErr: false},
		{name: "all interfaces blocked", addr: "0.0.0.0:0", wantErr: true},
		{name: "bare port blocked", addr: ":0", wantErr: true},
		{name: "all interfaces with allow_remote", addr: "0.0.0.0:0", allowRemote: true, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := New(config.ListenConfig{TCPAddr: tt.addr, AllowRemote: tt.allowRemote})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%s) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
			if ln != nil {
				ln.Close()
			}
		})
	}
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		want    config.ListenConfig
		wantErr bool
		wantNil bool
	}{
		{name: "empty", host: "", wantNil: true},
		{name: "unix", host: "unix:///run/sandboxd.sock", want: config.ListenConfig{SocketPath: "/run/sandboxd.sock"}},
		{name: "tcp", host: "tcp://127.0.0.1:7410", want: config.ListenConfig{TCPAddr: "127.0.0.1:7410"}},
		{name: "bare host", host: "127.0.0.1:7410", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHost(tt.host)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHost(%q) error = %v, wantErr %v", tt.host, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("ParseHost(%q) = %+v, want nil", tt.host, got)
				}
				return
			}
			if *got != tt.want {
				t.Errorf("ParseHost(%q) = %+v, want %+v", tt.host, *got, tt.want)
			}
		})
	}
}
