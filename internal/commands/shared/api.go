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

package shared

import (
	"os"

	"github.com/tombee/sandboxd/internal/client"
	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/daemon/listener"
)

// NewClient builds a daemon API client from the --host flag, the
// SANDBOXD_HOST environment variable, or the default Unix socket, in
// that order. SANDBOXD_API_KEY supplies the API key when set.
func NewClient() (*client.Client, error) {
	host := GetHost()
	if host == "" {
		host = os.Getenv(config.EnvHost)
	}

	var opts []client.Option

	if host != "" {
		listen, err := listener.ParseHost(host)
		if err != nil {
			return nil, err
		}
		switch {
		case listen.SocketPath != "":
			opts = append(opts, client.WithSocket(listen.SocketPath))
		case listen.TCPAddr != "":
			opts = append(opts, client.WithTCP(listen.TCPAddr))
		}
	}

	if key := os.Getenv(config.EnvAPIKey); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}

	return client.New(opts...)
}
