// SPDX-License-Identifier: MIT

// atgwd runs the AT command gateway: it connects a cellular modem over TCP
// or a serial device, exposes it to WebSocket clients, and pushes
// notifications for inbound SMS, calls, storage pressure and signal changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atgateway/config"
	"atgateway/gateway"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to the configuration file")
	debug := flag.Bool("debug", false, "debug logging, including raw modem traffic")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			log.Fatal("config", zap.Error(err))
		}
		log.Warn("config file absent, using defaults", zap.String("path", *cfgPath))
		cfg = config.Default()
	}

	var options []gateway.Option
	if *debug {
		options = append(options, gateway.WithTrace())
	}
	g, err := gateway.New(cfg, log, options...)
	if err != nil {
		log.Fatal("setup", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := g.Run(ctx); err != nil {
		log.Fatal("gateway", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
