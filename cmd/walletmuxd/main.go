// Copyright 2025 The walletmux Authors
// This file is part of walletmux.
//
// walletmux is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// walletmux is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with walletmux. If not, see <http://www.gnu.org/licenses/>.

// walletmuxd is the wallet multiplexer daemon: one upstream wallet, many
// virtual sub-wallets served over relay transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/walletmux/walletmux/config"
	"github.com/walletmux/walletmux/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to the YAML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "base directory for the ledger database",
	}
	databaseFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "ledger database path (overrides datadir)",
	}
	relayFlag = &cli.StringSliceFlag{
		Name:  "relay",
		Usage: "relay url to serve on (repeatable)",
	}
	upstreamFlag = &cli.StringFlag{
		Name:  "upstream",
		Usage: "wallet-connect uri of the upstream wallet",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "listen address for the metrics endpoint (empty disables)",
	}
	sweepIntervalFlag = &cli.DurationFlag{
		Name:  "sweep-interval",
		Usage: "how often expired pending invoices are swept",
		Value: time.Minute,
	}
	maxInflightFlag = &cli.Int64Flag{
		Name:  "max-inflight",
		Usage: "cap on concurrently running request handlers",
	}
	upstreamConcurrentFlag = &cli.BoolFlag{
		Name:  "upstream-concurrent",
		Usage: "treat the upstream wallet as safe for concurrent calls",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	}
)

func main() {
	app := &cli.App{
		Name:   "walletmuxd",
		Usage:  "multiplex one upstream wallet into many virtual sub-wallets",
		Action: run,
		Flags: []cli.Flag{
			configFlag,
			dataDirFlag,
			databaseFlag,
			relayFlag,
			upstreamFlag,
			metricsAddrFlag,
			sweepIntervalFlag,
			maxInflightFlag,
			upstreamConcurrentFlag,
			debugFlag,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// A .env file beside the binary is a convenience for operators; its
	// absence is not an error.
	godotenv.Load()

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if c.IsSet(dataDirFlag.Name) {
		cfg.DataDir = c.String(dataDirFlag.Name)
	}
	if c.IsSet(databaseFlag.Name) {
		cfg.Database = c.String(databaseFlag.Name)
	}
	if c.IsSet(relayFlag.Name) {
		cfg.Relays = c.StringSlice(relayFlag.Name)
	}
	if c.IsSet(upstreamFlag.Name) {
		cfg.UpstreamURI = c.String(upstreamFlag.Name)
	}
	if c.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = c.String(metricsAddrFlag.Name)
	}
	if c.IsSet(sweepIntervalFlag.Name) {
		cfg.SweepInterval = c.Duration(sweepIntervalFlag.Name)
	}
	if c.IsSet(maxInflightFlag.Name) {
		cfg.MaxInflight = c.Int64(maxInflightFlag.Name)
	}
	if c.IsSet(upstreamConcurrentFlag.Name) {
		cfg.UpstreamConcurrent = c.Bool(upstreamConcurrentFlag.Name)
	}
	if c.Bool(debugFlag.Name) {
		cfg.Debug = true
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = n.Start(ctx)
	cancel()
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logrus.WithField("signal", s.String()).Info("shutting down")
		n.Stop()
	}()

	n.Wait()
	return nil
}
