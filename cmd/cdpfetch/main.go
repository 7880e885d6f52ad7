package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		if !isReported(err) {
			fmt.Fprintln(os.Stderr, "cdpfetch:", err)
		}
		os.Exit(1)
	}
}
