// Command authserver runs the OAuth 2.0 authorization server and manages its
// signing keys and registered clients.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
