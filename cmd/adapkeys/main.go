// Package main is the adapkeys command: it manages the encrypted secret
// store and moves it between hosts with age escrow bundles.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}
