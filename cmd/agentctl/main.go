package main

import (
	"os"

	"github.com/Harshitk-cp/agentruntime/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
