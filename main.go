package main

import (
	"os"

	"github.com/steward-ai/steward/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
