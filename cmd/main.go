package main

import (
	"os"

	"github.com/coalescedb/coalesce/cmd/coalesce"
)

func main() {
	if err := coalesce.Execute(); err != nil {
		os.Exit(1)
	}
}
