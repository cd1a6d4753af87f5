// Command collab-server runs the collab server without the admin subcommands,
// for container images and service units.
package main

import (
	"os"

	"github.com/kilupskalvis/collab/internal/cli"
)

func main() {
	if err := cli.NewServerCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
