// Command silenus-server runs the dispenser engines and the HTTP and gRPC
// surfaces around them, and carries the bench tooling used against the
// same database.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "silenus-server",
		Usage:   "metered, token-gated liquid dispenser",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{"SILENUS_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			accountCommand(),
			sessionsCommand(),
		},
	}
}
