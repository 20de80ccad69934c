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

// Command batond runs the baton daemon: the scheduler, the work queue
// workers, the event ingester, and the REST API, selected by roles.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tombee/baton/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the batond YAML config file")
		roles       = flag.String("roles", "", "Comma-separated roles to run: scheduler,worker,api (default: per config)")
		storeDriver = flag.String("store", "", "Storage driver (memory, postgres)")
		postgresURL = flag.String("postgres-url", "", "PostgreSQL connection URL")
		listenAddr  = flag.String("listen", "", "API listen address (host:port)")
		redisAddr   = flag.String("redis-addr", "", "Redis address for the event bus (enables events)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("batond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	opts := daemon.RunOptions{
		Version:     version,
		Commit:      commit,
		BuildDate:   buildDate,
		ConfigPath:  *configPath,
		StoreDriver: *storeDriver,
		PostgresURL: *postgresURL,
		ListenAddr:  *listenAddr,
		RedisAddr:   *redisAddr,
	}
	if *roles != "" {
		opts.Roles = strings.Split(*roles, ",")
	}

	if err := daemon.Run(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "batond: %v\n", err)
		os.Exit(1)
	}
}
