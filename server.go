package trinity

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trinity-network/trinity/chainrpc"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/chanstate"
	"github.com/trinity-network/trinity/contractcourt"
	"github.com/trinity-network/trinity/htlcswitch"
	"github.com/trinity-network/trinity/multimutex"
	"github.com/trinity-network/trinity/peer"
	"github.com/trinity-network/trinity/transport"
	"github.com/trinity-network/trinity/trwire"
	"github.com/trinity-network/trinity/txbuilder"
)

// server is the main server of the trinity daemon. It houses the ledger
// store and every subsystem driving the channels of the wallet.
type server struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg *Config

	db *channeldb.DB

	machine    *chanstate.Machine
	preimages  *htlcswitch.PreimageRegistry
	forwarder  *htlcswitch.Forwarder
	arbitrator *contractcourt.BreachArbitrator
	dispatcher *peer.Dispatcher
	transport  *transport.Server

	chain  *chainrpc.Client
	poller *chainrpc.Poller

	registry   *prometheus.Registry
	metricsLis net.Listener
	metricsSrv *http.Server

	wg sync.WaitGroup
}

// newServer creates the subsystems of the daemon on top of the opened
// ledger store. Nothing is started.
func newServer(cfg *Config, db *channeldb.DB) (*server, error) {
	local := cfg.Endpoint()

	chain, err := chainrpc.New(&chainrpc.Config{
		Host:       cfg.Chain.Host,
		User:       cfg.Chain.User,
		Pass:       cfg.Chain.Pass,
		DisableTLS: cfg.Chain.DisableTLS,
	})
	if err != nil {
		return nil, err
	}

	// The state machine and the breach arbitrator share one lock per
	// channel.
	chanMutex := multimutex.NewMutex[trwire.ChannelID]()

	bestHeight := func() (uint32, error) {
		height, err := db.FetchBlockHeight(local)
		if errors.Is(err, channeldb.ErrBlockHeightNotFound) {
			return 0, nil
		}

		return height, err
	}

	s := &server{
		cfg:      cfg,
		db:       db,
		chain:    chain,
		registry: prometheus.NewRegistry(),
	}

	s.machine = chanstate.NewMachine(&chanstate.Config{
		DB:         db,
		Local:      local,
		Signer:     cfg.signer,
		Builder:    txbuilder.New(cfg.DelayBlockHeight),
		NetMagic:   cfg.NetMagic,
		Assets:     cfg.Assets,
		ChanMutex:  chanMutex,
		BestHeight: bestHeight,
		Clock:      clock.NewDefaultClock(),
	})

	s.preimages = htlcswitch.NewPreimageRegistry(db)
	s.forwarder = htlcswitch.NewForwarder(&htlcswitch.Config{
		Machine:       s.machine,
		DB:            db,
		Preimages:     s.preimages,
		Fee:           trwire.Amount(cfg.HtlcFee),
		TimeLockDelta: cfg.TimeLockDelta,
		BestHeight:    bestHeight,
	})

	s.arbitrator = contractcourt.NewBreachArbitrator(
		&contractcourt.BreachConfig{
			DB:               db,
			Local:            local,
			Ledger:           s.machine,
			ChainIO:          chain,
			ChanMutex:        chanMutex,
			DelayBlockHeight: cfg.DelayBlockHeight,
		},
	)

	// The transport hands inbound messages to the dispatcher, which in
	// turn replies through the transport.
	tCfg := &transport.Config{
		ListenAddr:   cfg.Listen,
		PingInterval: transport.DefaultPingInterval,
		PongWait:     transport.DefaultPongWait,
		DialTimeout:  transport.DefaultDialTimeout,
	}
	s.transport = transport.NewServer(tCfg)

	s.dispatcher = peer.NewDispatcher(&peer.Config{
		Machine:     s.machine,
		Forwarder:   s.forwarder,
		Heights:     s.arbitrator,
		Transport:   s.transport,
		AliveTicker: ticker.New(cfg.KeepAliveInterval),
		MaxAlive:    peer.DefaultMaxAlive,
	})
	tCfg.Handler = s.dispatcher

	s.poller = chainrpc.NewPoller(&chainrpc.PollerConfig{
		Chain:   chain,
		Local:   local,
		Watcher: s.arbitrator,
		Heights: s.forwarder,
		Sender:  s.transport,
		Ticker:  ticker.New(cfg.Chain.PollInterval),
	})

	if err := exportPrometheusStats(s, s.registry); err != nil {
		return nil, fmt.Errorf("unable to register metrics: %w", err)
	}

	return s, nil
}

// Started returns true if the server has been started, and false otherwise.
// NOTE: This function is safe for concurrent access.
func (s *server) Started() bool {
	return atomic.LoadInt32(&s.started) != 0
}

// Start starts the main daemon server, all requested listeners, and any
// helper goroutines.
// NOTE: This function is safe for concurrent access.
func (s *server) Start() error {
	// Already running?
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	if err := s.dispatcher.Start(); err != nil {
		return err
	}
	if err := s.transport.Start(); err != nil {
		return err
	}
	if err := s.poller.Start(); err != nil {
		return err
	}

	if s.cfg.MetricsListen == "" {
		return nil
	}

	lis, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("unable to listen for metrics: %w", err)
	}
	s.metricsLis = lis

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		s.registry, promhttp.HandlerOpts{},
	))
	s.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: transport.DefaultDialTimeout,
	}

	trndLog.Infof("Prometheus metrics served on %v", lis.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := s.metricsSrv.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			trndLog.Errorf("Metrics server stopped: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shutsdown the main daemon server. This function will signal
// any active goroutines, or helper objects to exit, then blocks until they've
// all successfully exited.
// NOTE: This function is safe for concurrent access.
func (s *server) Stop() error {
	// Bail if we're already shutting down.
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}

	// The poller goes first so no height is processed while the
	// transport is gone.
	if err := s.poller.Stop(); err != nil {
		trndLog.Warnf("Unable to stop chain poller: %v", err)
	}
	if err := s.transport.Stop(); err != nil {
		trndLog.Warnf("Unable to stop transport: %v", err)
	}
	if err := s.dispatcher.Stop(); err != nil {
		trndLog.Warnf("Unable to stop dispatcher: %v", err)
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}
	s.chain.Stop()

	s.wg.Wait()

	return nil
}
