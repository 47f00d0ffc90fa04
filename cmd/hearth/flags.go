// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	cli "gopkg.in/urfave/cli.v1"
)

var (
	forkURLFlag = cli.StringFlag{
		Name:  "fork-url",
		Usage: "URL of the remote chain to fork (http|https|ws|wss)",
	}
	forkBlockFlag = cli.Uint64Flag{
		Name:  "fork-block-number",
		Usage: "block number to pin the fork at (default: chain head at first use)",
	}
	offlineFlag = cli.BoolFlag{
		Name:  "offline",
		Usage: "disable all outbound network calls; requires --state",
	}
	stateFlag = cli.StringFlag{
		Name:  "state",
		Usage: "path to a JSON state file loaded at startup",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Value: 3,
		Usage: "log verbosity (0-5)",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Prometheus metrics listening address (empty: disabled)",
	}
	outFlag = cli.StringFlag{
		Name:  "out",
		Value: "state.json",
		Usage: "output path for the dumped state",
	}
)
