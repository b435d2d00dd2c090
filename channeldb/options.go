package channeldb

import (
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

// Options holds parameters for tuning and customizing a channeldb.DB.
type Options struct {
	// NoFreelistSync skips syncing the bolt freelist to disk, trading a
	// slower open for faster writes.
	NoFreelistSync bool

	// DBTimeout is how long to wait for the file lock on open.
	DBTimeout time.Duration
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		NoFreelistSync: true,
		DBTimeout:      kvdb.DefaultDBTimeout,
	}
}

// OptionModifier is a function signature for modifying the default Options.
type OptionModifier func(*Options)

// OptionSetSyncFreelist allows the database to sync its freelist.
func OptionSetSyncFreelist(b bool) OptionModifier {
	return func(o *Options) {
		o.NoFreelistSync = !b
	}
}

// OptionDBTimeout sets the timeout waiting for the database lock.
func OptionDBTimeout(d time.Duration) OptionModifier {
	return func(o *Options) {
		o.DBTimeout = d
	}
}
