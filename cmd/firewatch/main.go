package main

import (
	"os"

	"github.com/e7canasta/firewatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
