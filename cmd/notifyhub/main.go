package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notifyhub/internal/app"
	"notifyhub/internal/config"
	logx "notifyhub/pkg/logx"
	"notifyhub/pkg/sdnotify"
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with secrets; missing file is ignored")
	flag.Parse()

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "main"))
	if err := config.LoadDotEnv(envFile); err != nil {
		bootLog.Error("load env file", logx.String("path", envFile), logx.Err(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		bootLog.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		bootLog.Error("fatal start", logx.Err(err))
		os.Exit(1)
	}
	if _, err := sdnotify.Ready(); err != nil {
		bootLog.Warn("systemd notify failed", logx.Err(err))
	}
	go func() {
		if err := sdnotify.Watchdog(ctx); err != nil {
			bootLog.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = sdnotify.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if err := a.Err(); err != nil {
		bootLog.Error("exited with error", logx.Err(err))
		os.Exit(1)
	}
}
