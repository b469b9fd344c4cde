// Command pixelpaint is a headless participant: it creates room IDs, joins
// rooms, paints cells and exports the shared grid as PNG.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
