package main

import (
	"fmt"
	"os"

	"github.com/gyaneshwarpardhi/eventlens/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "eventlensctl:", err)
		os.Exit(1)
	}
}
