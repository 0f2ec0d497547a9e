package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// runSweepCommand settles every reservation stuck in Complete.
func runSweepCommand(args []string) {
	opts, err := parseCommonOptions(args)
	if err != nil {
		fatal(err)
	}
	cfg := loadConfig(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	if err := a.closeAfter(func() error { return sweep(ctx, a) }); err != nil {
		fatal(err)
	}
}

func sweep(ctx context.Context, a *app) error {
	result, err := a.sweeper().Run(ctx)
	if err != nil {
		return err
	}

	printHeader("Sweep")
	printInfo(fmt.Sprintf("scanned %d reservations", result.Scanned))
	printSuccess(fmt.Sprintf("settled %d", result.Settled))
	if result.Failed > 0 {
		printWarn(fmt.Sprintf("%d failed, rerun to retry", result.Failed))
	}
	return nil
}
