package main

import (
	"os"

	"github.com/mahnoorkhalid8/digitalfte/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
