// Package main is the entry point for the skein CLI.
package main

import (
	"fmt"
	"os"

	"github.com/skeinhq/skein-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
