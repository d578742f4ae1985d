package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskd/internal/app"
	"taskd/modules/housekeeping"
	"taskd/modules/netspeed"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./taskd.yaml", "path to config (yaml or json)")
	flag.DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	// Register modules (a new module only needs New() + Register)
	if err := a.Modules().Register(
		housekeeping.New(),
		netspeed.New(),
	); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a, stopTimeout, app.StopFatalError)
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
	}

	code := 0
	if reason == app.StopFatalError {
		code = 1
	}
	if err := stop(a, stopTimeout, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	os.Exit(code)
}

func stop(a *app.App, timeout time.Duration, reason app.StopReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Stop(ctx, reason)
}
