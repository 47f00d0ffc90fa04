// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/hearthlabs/hearth/backend"
	"github.com/hearthlabs/hearth/log"
	"github.com/hearthlabs/hearth/metrics"
)

var (
	version   string
	gitCommit string

	logger = log.WithContext("pkg", "main")
)

func fullVersion() string {
	if gitCommit == "" {
		return version + "-dev"
	}
	return fmt.Sprintf("%s-%s", version, gitCommit)
}

func main() {
	app := cli.App{
		Version: fullVersion(),
		Name:    "Hearth",
		Usage:   "state backend node for Ethereum-compatible development chains",
		Flags: []cli.Flag{
			forkURLFlag,
			forkBlockFlag,
			offlineFlag,
			stateFlag,
			verbosityFlag,
			metricsAddrFlag,
		},
		Action: defaultAction,
		Commands: []cli.Command{
			{
				Name:  "dump-state",
				Usage: "load the backend and write its state to a JSON file",
				Flags: []cli.Flag{
					forkURLFlag,
					forkBlockFlag,
					offlineFlag,
					stateFlag,
					verbosityFlag,
					outFlag,
				},
				Action: dumpStateAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogger(ctx *cli.Context) {
	log.Stderr(log.VerbosityToLevel(ctx.Int(verbosityFlag.Name)))
}

func backendOptions(ctx *cli.Context) backend.Options {
	opts := backend.Options{
		Offline:   ctx.Bool(offlineFlag.Name),
		ForkURL:   ctx.String(forkURLFlag.Name),
		StatePath: ctx.String(stateFlag.Name),
	}
	if ctx.IsSet(forkBlockFlag.Name) {
		block := ctx.Uint64(forkBlockFlag.Name)
		opts.ForkBlock = &block
	}
	return opts
}

func defaultAction(ctx *cli.Context) error {
	initLogger(ctx)

	if addr := ctx.String(metricsAddrFlag.Name); addr != "" {
		metrics.InitializePrometheusMetrics()
		go func() {
			if err := http.ListenAndServe(addr, metrics.HTTPHandler()); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		logger.Info("metrics enabled", "addr", addr)
	}

	b, err := backend.New(backendOptions(ctx))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if url, ok := b.ActiveForkURL(); ok {
		logger.Info("backend ready", "mode", "fork", "url", url)
	} else {
		logger.Info("backend ready", "mode", "local")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	return nil
}

func dumpStateAction(ctx *cli.Context) error {
	initLogger(ctx)

	b, err := backend.New(backendOptions(ctx))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	out := ctx.String(outFlag.Name)
	if err := b.DumpState().Write(out); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	logger.Info("state dumped", "path", out)
	return nil
}
