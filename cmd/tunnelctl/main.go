// Command tunnelctl manages a tunnel registry: bulk import of wg-quick
// configurations, listing and renaming, and serving the registry over HTTP.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
