package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	m := &memusage{out: os.Stdout}
	if err := m.app().Run(os.Args); err != nil {
		if m.log != nil {
			m.log.Fatal("failed to run memusage", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
