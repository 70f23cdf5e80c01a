package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/soocke/stbkpi-go/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RootCommand(NewLogger).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "stbkpi:", err)
		stop()
		os.Exit(1)
	}
}
