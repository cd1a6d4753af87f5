// Command collab runs and administers the collaborative editing server.
package main

import (
	"os"

	"github.com/kilupskalvis/collab/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
