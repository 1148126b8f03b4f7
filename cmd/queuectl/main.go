package main

import (
	"fmt"
	"os"

	"queuectl/internal/config"
)

func main() {
	cfg := config.Load()
	if err := newRootCmd(cfg.SocketPath, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
