// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package trinity

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/trinity-network/trinity/build"
	"github.com/trinity-network/trinity/chainrpc"
	"github.com/trinity-network/trinity/htlcswitch"
	"github.com/trinity-network/trinity/keychain"
	"github.com/trinity-network/trinity/peer"
	"github.com/trinity-network/trinity/trwire"
	"github.com/trinity-network/trinity/txbuilder"
)

const (
	defaultConfigFilename = "trinity.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "trinity.log"
	defaultLogLevel       = "info"

	defaultListenAddr = "0.0.0.0:8766"
	defaultRPCHost    = "localhost:20332"

	// DefaultNetMagic tags the messages of the main network.
	DefaultNetMagic = 195378745

	defaultAsset = "TNC"
)

var (
	// DefaultTrinityDir is the default directory where trinity tries to
	// find its configuration file and store its data.
	DefaultTrinityDir = btcutil.AppDataDir("trinity", false)

	// DefaultConfigFile is the default full path of trinity's
	// configuration file.
	DefaultConfigFile = filepath.Join(DefaultTrinityDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultTrinityDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultTrinityDir, defaultLogDirname)
)

// ChainRPC holds the connection parameters of the chain node.
//
//nolint:lll
type ChainRPC struct {
	Host         string        `long:"host" description:"The host:port of the chain node's JSON-RPC interface"`
	User         string        `long:"user" description:"Username for RPC connections"`
	Pass         string        `long:"pass" default-mask:"-" description:"Password for RPC connections"`
	DisableTLS   bool          `long:"notls" description:"Connect to the chain node over plain HTTP"`
	PollInterval time.Duration `long:"pollinterval" description:"How often the chain node is polled for new blocks"`
}

// Config defines the configuration options for trinityd.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	TrinityDir string `long:"trinitydir" description:"The base directory that contains trinity's data, logs and configuration file."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store trinity's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	PrivateKey   string   `long:"privkey" description:"The hex encoded private key of the wallet"`
	Listen       string   `long:"listen" description:"Add an interface/port to listen for peer messages"`
	ExternalAddr string   `long:"externaladdr" description:"The host:port peers reach this wallet at. Defaults to the listen address"`
	NetMagic     uint32   `long:"netmagic" description:"The network tag carried by every message"`
	Assets       []string `long:"asset" description:"An asset type channels may be opened in. May be given more than once"`

	DelayBlockHeight  uint32        `long:"delayblockheight" description:"Blocks a unilateral close waits before the revocable delivery is submitted"`
	KeepAliveInterval time.Duration `long:"keepaliveinterval" description:"The period of the peer keep-alive sweep"`
	HtlcFee           uint64        `long:"htlcfee" description:"The fee kept when forwarding an HTLC"`
	TimeLockDelta     uint32        `long:"timelockdelta" description:"The blocks subtracted from the timeout of a forwarded HTLC"`

	MetricsListen string `long:"metricslisten" description:"The address prometheus metrics are served on. Empty disables metrics"`

	Chain *ChainRPC `group:"chainrpc" namespace:"chainrpc"`

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter

	// signer signs with the wallet key.
	signer *keychain.PrivKeySigner

	// endpoint is the wallet URI announced to peers.
	endpoint trwire.Endpoint
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		TrinityDir:        DefaultTrinityDir,
		ConfigFile:        DefaultConfigFile,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		MaxLogFiles:       build.DefaultMaxLogFiles,
		MaxLogFileSize:    build.DefaultMaxLogFileSize,
		DebugLevel:        defaultLogLevel,
		Listen:            defaultListenAddr,
		NetMagic:          DefaultNetMagic,
		DelayBlockHeight:  txbuilder.DefaultDelayBlockHeight,
		KeepAliveInterval: peer.DefaultKeepAliveInterval,
		HtlcFee:           uint64(htlcswitch.DefaultFee),
		TimeLockDelta:     htlcswitch.DefaultTimeLockDelta,
		Chain: &ChainRPC{
			Host:         defaultRPCHost,
			DisableTLS:   true,
			PollInterval: chainrpc.DefaultPollInterval,
		},
		LogWriter: build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version())
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their trinitydir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.TrinityDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultTrinityDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		trndLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. This makes sure
// no illegal values or combination of values are set. All file system paths
// are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided trinity directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	trinityDir := CleanAndExpandPath(cfg.TrinityDir)
	if trinityDir != DefaultTrinityDir {
		cfg.DataDir = filepath.Join(trinityDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(trinityDir, defaultLogDirname)
	}

	// Create the trinity directory and all other sub-directories if they
	// don't already exist. This makes sure that directory trees are also
	// created for files that point to outside the trinitydir.
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	for _, dir := range []string{trinityDir, cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory "+
				"%v: %w", dir, err)
		}
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		SetupLoggers(cfg.LogWriter)
		fmt.Println("Supported subsystems",
			cfg.LogWriter.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogWriter)
	err := cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, err
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		return nil, fmt.Errorf("error parsing debug level: %w", err)
	}

	if cfg.PrivateKey == "" {
		return nil, errors.New("a wallet private key must be set " +
			"with --privkey")
	}
	cfg.signer, err = keychain.NewPrivKeySignerFromHex(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid --privkey: %w", err)
	}

	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return nil, fmt.Errorf("invalid --listen %q: %w", cfg.Listen,
			err)
	}
	if cfg.ExternalAddr == "" {
		cfg.ExternalAddr = cfg.Listen
	}
	cfg.endpoint = trwire.NewEndpoint(cfg.signer.PubKey(), cfg.ExternalAddr)
	if err := cfg.endpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid --externaladdr: %w", err)
	}

	if len(cfg.Assets) == 0 {
		cfg.Assets = []string{defaultAsset}
	}

	switch {
	case cfg.DelayBlockHeight == 0:
		return nil, errors.New("--delayblockheight must be positive")

	case cfg.KeepAliveInterval <= 0:
		return nil, errors.New("--keepaliveinterval must be positive")

	case cfg.Chain.PollInterval <= 0:
		return nil, errors.New("--chainrpc.pollinterval must be " +
			"positive")

	case cfg.TimeLockDelta == 0:
		return nil, errors.New("--timelockdelta must be positive")
	}

	return &cfg, nil
}

// Endpoint returns the wallet URI announced to peers.
func (c *Config) Endpoint() trwire.Endpoint {
	return c.endpoint
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
