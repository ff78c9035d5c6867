// Command portsweep is a concurrent TCP connect port scanner with an HTTP
// API, cron schedules and optional PostgreSQL persistence.
package main

import (
	"github.com/anstrom/portsweep/cmd/cli"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
