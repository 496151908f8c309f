package main

import (
	"os"

	"github.com/copyleftdev/seamopt/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
