// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

package trinity

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/trinity-network/trinity/build"
	"github.com/trinity-network/trinity/channeldb"
)

// Main is the true entry point for trinityd. It opens the ledger store,
// starts every subsystem and blocks until the shutdown channel is closed.
func Main(cfg *Config, shutdownChan <-chan struct{}) error {
	defer func() {
		trndLog.Info("Shutdown complete\n")
		if err := cfg.LogWriter.Close(); err != nil {
			fmt.Printf("Could not close log rotator: %v\n", err)
		}
	}()

	// Show version at startup.
	trndLog.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)

	trndLog.Infof("Wallet endpoint %v on network %d", cfg.Endpoint(),
		cfg.NetMagic)
	trndLog.Debugf("Config: %v", newLogClosure(func() string {
		redacted := *cfg
		redacted.PrivateKey = "<redacted>"
		redacted.signer = nil
		redacted.LogWriter = nil
		return spew.Sdump(redacted)
	}))

	// Open the ledger store holding channels, their nonce chains and the
	// chain heights.
	db, err := channeldb.Open(cfg.DataDir)
	if err != nil {
		err := fmt.Errorf("unable to open ledger store: %w", err)
		trndLog.Error(err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			trndLog.Errorf("Unable to close ledger store: %v", err)
		}
	}()

	server, err := newServer(cfg, db)
	if err != nil {
		err := fmt.Errorf("unable to create server: %w", err)
		trndLog.Error(err)
		return err
	}

	if err := server.Start(); err != nil {
		err := fmt.Errorf("unable to start server: %w", err)
		trndLog.Error(err)
		_ = server.Stop()
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			trndLog.Errorf("Unable to stop server: %v", err)
		}
	}()

	trndLog.Infof("Listening for peers on %v", server.transport.Addr())

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-shutdownChan
	return nil
}

// logClosure is used to provide a closure over expensive logging operations
// so don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
