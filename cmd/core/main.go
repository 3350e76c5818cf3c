// Package main provides the fieldsync operator CLI.
// It inspects and repairs the local operation queue of a device data
// directory and can run a local stand-in for the incident API.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
