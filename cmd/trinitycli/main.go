// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/trinity-network/trinity/build"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/urfave/cli"
)

const defaultDataDir = "data"

var defaultTrinityDir = btcutil.AppDataDir("trinity", false)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[trinitycli] %v\n", err)
	os.Exit(1)
}

// openLedger opens the ledger store of the daemon. The store is locked
// while trinityd runs, so the commands only work on a stopped daemon.
func openLedger(ctx *cli.Context) (*channeldb.DB, func(), error) {
	dataDir := ctx.GlobalString("datadir")
	if dataDir == "" {
		dataDir = filepath.Join(
			ctx.GlobalString("trinitydir"), defaultDataDir,
		)
	}

	db, err := channeldb.Open(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open ledger at %v: %w",
			dataDir, err)
	}

	cleanUp := func() {
		_ = db.Close()
	}

	return db, cleanUp, nil
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "trinitycli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "inspect the ledger of a stopped trinity wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "trinitydir",
			Value: defaultTrinityDir,
			Usage: "The path to trinity's base directory.",
		},
		cli.StringFlag{
			Name: "datadir",
			Usage: "The path to trinity's data directory. Overrides " +
				"the one derived from --trinitydir.",
		},
	}
	app.Commands = []cli.Command{
		listChannelsCommand,
		getChannelCommand,
		listTxsCommand,
		blockHeightCommand,
		listEventsCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
