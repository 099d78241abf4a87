// Command portalctl administers a portal deployment: schema migrations,
// administrator accounts, and the enrollment review queue.
package main

import (
	"os"
)

var version = "dev"

func main() {
	cmd := NewRootCmd()
	cmd.Version = version

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
