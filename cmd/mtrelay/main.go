package main

import (
	"os"

	"github.com/drksbr/mtrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
