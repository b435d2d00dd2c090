package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/chanstate"
	"github.com/trinity-network/trinity/trwire"
)

const (
	// DefaultMaxAlive is the keep-alive counter a peer is reset to when
	// it shows it is reachable.
	DefaultMaxAlive = 3

	// DefaultKeepAliveInterval is the period of the keep-alive sweep.
	DefaultKeepAliveInterval = time.Minute

	// defaultQueueSize is the buffer of the inbound queue before it
	// spills to its overflow list.
	defaultQueueSize = 100
)

var (
	// ErrDispatcherShuttingDown is returned when a message is handed to
	// a stopped dispatcher.
	ErrDispatcherShuttingDown = errors.New("dispatcher shutting down")

	// ErrUnexpectedMessage is returned for a message type the wallet
	// never accepts from a peer.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// Config holds the collaborators of a Dispatcher.
type Config struct {
	// Machine applies channel messages.
	Machine ChannelMachine

	// Forwarder is told about every committed record. It may be nil.
	Forwarder CommitHandler

	// Heights answers wallet info queries.
	Heights HeightSource

	// Transport delivers replies and follow up messages.
	Transport Transport

	// AliveTicker drives the keep-alive sweep.
	AliveTicker ticker.Ticker

	// MaxAlive is the counter a responsive peer is reset to.
	MaxAlive uint32
}

// Dispatcher decodes inbound messages and handles them one at a time on a
// single worker. Every rejected message is answered with the *Fail message
// of its family.
type Dispatcher struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	inbound *queue.ConcurrentQueue
	metrics *metrics

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewDispatcher creates a dispatcher. Start must be called before messages
// are processed.
func NewDispatcher(cfg *Config) *Dispatcher {
	if cfg.MaxAlive == 0 {
		cfg.MaxAlive = DefaultMaxAlive
	}

	return &Dispatcher{
		cfg:     cfg,
		inbound: queue.NewConcurrentQueue(defaultQueueSize),
		metrics: newMetrics(),
		quit:    make(chan struct{}),
	}
}

// Start launches the dispatch worker and the keep-alive sweep.
func (d *Dispatcher) Start() error {
	d.started.Do(func() {
		log.Infof("Dispatcher starting for %v", d.cfg.Machine.Local())

		d.inbound.Start()
		d.cfg.AliveTicker.Resume()

		d.wg.Add(2)
		go d.worker()
		go d.aliveSweeper()
	})

	return nil
}

// Stop halts the dispatcher. Queued messages that weren't handled yet are
// dropped.
func (d *Dispatcher) Stop() error {
	d.stopped.Do(func() {
		log.Info("Dispatcher shutting down...")

		close(d.quit)
		d.cfg.AliveTicker.Stop()
		d.wg.Wait()
		d.inbound.Stop()
	})

	return nil
}

// ProcessMessage queues a raw message for the dispatch worker.
func (d *Dispatcher) ProcessMessage(raw []byte) error {
	select {
	case d.inbound.ChanIn() <- raw:
		return nil

	case <-d.quit:
		return ErrDispatcherShuttingDown
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case item := <-d.inbound.ChanOut():
			raw, ok := item.([]byte)
			if !ok {
				log.Errorf("Dropping queued item of type %T",
					item)
				continue
			}
			d.processRaw(raw)

		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) processRaw(raw []byte) {
	msg, err := trwire.DeserializeMessage(raw)
	if err != nil {
		log.Warnf("Unable to decode %d byte message: %v", len(raw), err)
		d.metrics.undecodable.Inc()

		return
	}

	out, err := d.HandleMessage(msg)
	if err != nil {
		log.Errorf("Unable to handle %v from %v: %v", msg.MsgType(),
			msg.Hdr().Sender, err)
		return
	}

	for _, m := range out {
		d.send(m)
	}
}

// HandleMessage applies a decoded message and returns the messages to send
// in response. A rejected message yields its *Fail reply instead of an
// error, and only a rejected *Fail is reported as an error.
func (d *Dispatcher) HandleMessage(msg trwire.Message) ([]trwire.Message,
	error) {

	d.metrics.received.WithLabelValues(msg.MsgType().String()).Inc()

	log.Tracef("Handling %v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))

	out, err := d.handle(msg)
	switch {
	case err == nil:
		return out, nil

	// A failure is never answered with another failure.
	case msg.MsgType().IsFail():
		return nil, err
	}

	cerr := chanstate.CodedError(msg.MsgType().Family(), err)
	log.Warnf("Rejecting %v from %v on channel %v: %v (code %v)",
		msg.MsgType(), msg.Hdr().Sender, msg.Hdr().ChannelID, err,
		cerr.Code)
	d.metrics.failures.WithLabelValues(cerr.Code.String()).Inc()

	return []trwire.Message{trwire.NewFail(msg, cerr)}, nil
}

func (d *Dispatcher) handle(msg trwire.Message) ([]trwire.Message, error) {
	switch m := msg.(type) {
	case *trwire.Fail:
		return nil, d.cfg.Machine.HandleFail(m)

	case *trwire.RegisterChannel:
		c, err := d.cfg.Machine.AcceptRegistration(m)
		if err != nil {
			return nil, err
		}
		log.Infof("Registered channel %v with founder %v", c.ID,
			c.Founder)

		return nil, nil

	case trwire.SignMessage:
		return d.handleSign(m)

	default:
		return d.handleControl(msg)
	}
}

func (d *Dispatcher) handleSign(msg trwire.SignMessage) ([]trwire.Message,
	error) {

	outcome, err := d.cfg.Machine.Advance(msg)
	if err != nil {
		return nil, err
	}

	var out []trwire.Message
	if outcome.Reply != nil {
		out = append(out, outcome.Reply)
	}
	if outcome.Committed == nil || d.cfg.Forwarder == nil {
		return out, nil
	}

	// The record is committed at this point, so a forwarding failure is
	// local and never reported to the peer.
	produced, err := d.cfg.Forwarder.HandleCommit(
		outcome.Channel, outcome.Committed,
	)
	if err != nil {
		log.Errorf("Unable to forward after nonce %d on channel %v: %v",
			outcome.Committed.Nonce, outcome.Channel.ID, err)

		return out, nil
	}

	return append(out, produced...), nil
}

// checkControl validates the envelope of a control message.
func (d *Dispatcher) checkControl(hdr *trwire.Header) error {
	if hdr.NetMagic != d.cfg.Machine.NetMagic() {
		return fmt.Errorf("%w: got %d", chanstate.ErrBadMagic,
			hdr.NetMagic)
	}
	if hdr.Receiver != d.cfg.Machine.Local() {
		return fmt.Errorf("%w: receiver %v", chanstate.ErrNotMember,
			hdr.Receiver)
	}

	return hdr.Sender.Validate()
}

func (d *Dispatcher) handleControl(msg trwire.Message) ([]trwire.Message,
	error) {

	hdr := msg.Hdr()
	if err := d.checkControl(hdr); err != nil {
		return nil, err
	}

	switch m := msg.(type) {
	case *trwire.RegisterKeepAlive:
		if err := d.markAlive(m.Sender); err != nil {
			return nil, err
		}

		return []trwire.Message{
			&trwire.KeepAliveAck{Header: hdr.Reply()},
		}, nil

	case *trwire.KeepAliveAck:
		return nil, d.markAlive(m.Sender)

	case *trwire.SyncWalletData:
		height, err := d.cfg.Heights.TryGetBlockHeight(
			d.cfg.Machine.Local(),
		)
		switch {
		case errors.Is(err, channeldb.ErrBlockHeightNotFound):
			height = 0

		case err != nil:
			return nil, err
		}

		return []trwire.Message{&trwire.WalletInfo{
			Header:      hdr.Reply(),
			Assets:      d.cfg.Machine.Assets(),
			BlockHeight: height,
		}}, nil

	case *trwire.GetChannelList:
		channels, err := d.cfg.Machine.ListChannels()
		if err != nil {
			return nil, err
		}

		list := &trwire.ChannelList{Header: hdr.Reply()}
		for _, c := range channels {
			if c.Member(m.Sender) {
				list.Channels = append(list.Channels, c.Summary())
			}
		}

		return []trwire.Message{list}, nil

	case *trwire.WalletInfo:
		log.Debugf("Peer %v is at height %d accepting %v", m.Sender,
			m.BlockHeight, m.Assets)

		return nil, nil

	case *trwire.ChannelList:
		log.Debugf("Peer %v reported %d shared channels", m.Sender,
			len(m.Channels))

		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedMessage,
			msg.MsgType())
	}
}

func (d *Dispatcher) markAlive(peer trwire.Endpoint) error {
	return d.cfg.Machine.UpdateAlive(peer, func(uint32) uint32 {
		return d.cfg.MaxAlive
	})
}

func (d *Dispatcher) send(msg trwire.Message) {
	to := msg.Hdr().Receiver
	if err := d.cfg.Transport.SendMessage(to, msg); err != nil {
		log.Errorf("Unable to send %v to %v: %v", msg.MsgType(), to,
			err)
		d.metrics.sendErrors.Inc()
	}
}

func (d *Dispatcher) aliveSweeper() {
	defer d.wg.Done()

	for {
		select {
		case <-d.cfg.AliveTicker.Ticks():
			if err := d.SweepAlive(); err != nil {
				log.Errorf("Keep-alive sweep failed: %v", err)
			}

		case <-d.quit:
			return
		}
	}
}

// SweepAlive decrements the keep-alive counter of every peer with a live
// channel and sends each of them a keep-alive.
func (d *Dispatcher) SweepAlive() error {
	channels, err := d.cfg.Machine.ListChannels()
	if err != nil {
		return err
	}

	local := d.cfg.Machine.Local()
	peers := make(map[trwire.Endpoint]*channeldb.Channel)
	for _, c := range channels {
		if c.State == channeldb.ChanStateClosed {
			continue
		}
		if _, ok := peers[c.Counterparty(local)]; !ok {
			peers[c.Counterparty(local)] = c
		}
	}

	var unresponsive int
	for peer, c := range peers {
		var alive uint32
		err := d.cfg.Machine.UpdateAlive(peer, func(a uint32) uint32 {
			if a > 0 {
				a--
			}
			alive = a

			return a
		})
		if err != nil {
			return err
		}

		if alive == 0 {
			log.Warnf("Peer %v is unresponsive", peer)
			unresponsive++
		}

		d.send(&trwire.RegisterKeepAlive{Header: trwire.Header{
			Sender:    local,
			Receiver:  peer,
			ChannelID: c.ID,
			AssetType: c.Asset,
			NetMagic:  d.cfg.Machine.NetMagic(),
		}})
	}
	d.metrics.unresponsive.Set(float64(unresponsive))

	return nil
}
