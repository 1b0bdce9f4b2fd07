// anvil is a multi-repository content-addressed build tool: it loads an
// action graph, ensures every referenced blob and tree exists in the local
// content-addressable store, and executes the required actions locally or
// on a remote execution endpoint, caching results by action fingerprint.
package main

import (
	"os"
)

// Exit codes of the build commands.
const (
	exitSuccess        = 0
	exitFailure        = 1
	exitFailedArtifact = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailure)
	}
}
