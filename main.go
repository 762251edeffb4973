package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bigdatalab/labprovision/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
