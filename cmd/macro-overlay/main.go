// Command macro-overlay reviews the macro capabilities embedded in an
// external SQLite source and maintains the allowlist that gates them.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}
