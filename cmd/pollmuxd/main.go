package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pollmux/internal/app"
)

const appStopTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// SIGUSR1 stands in for a host "window focused" event: burst-refresh all
	// active polls without touching their schedules.
	focus := make(chan os.Signal, 1)
	signal.Notify(focus, syscall.SIGUSR1)
	go func() {
		for range focus {
			a.TriggerFocus()
		}
	}()

	<-ctx.Done()
	signal.Stop(focus)
	close(focus)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), appStopTimeout)
	defer stopCancel()
	a.Stop(stopCtx, app.StopReasonSignal)
}
