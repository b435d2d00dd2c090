package htlcswitch

import (
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/chanstate"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

const (
	// DefaultFee is the amount an intermediate node keeps for forwarding
	// a payment.
	DefaultFee trwire.Amount = 1

	// DefaultTimeLockDelta is the number of blocks an intermediate node
	// keeps between its incoming and outgoing timeouts.
	DefaultTimeLockDelta uint32 = 10
)

var (
	// ErrNoRouteChannel is returned when no open channel leads to the next
	// hop of a route.
	ErrNoRouteChannel = errors.New("no open channel to next hop")

	// ErrFeeTooHigh is returned when the incoming payment can't cover the
	// forwarding fee.
	ErrFeeTooHigh = errors.New("payment doesn't cover forwarding fee")

	// ErrTimeoutTooClose is returned when the incoming lock leaves no room
	// for the outgoing timeout.
	ErrTimeoutTooClose = errors.New("incoming timeout too close")

	// ErrNotOnRoute is returned for an incoming lock whose route doesn't
	// name this wallet as the current hop.
	ErrNotOnRoute = errors.New("wallet is not the current hop of route")
)

// ChannelMachine is the view of the channel state machine the forwarder
// drives.
type ChannelMachine interface {
	// Local returns the endpoint of this wallet.
	Local() trwire.Endpoint

	// ListChannels returns every known channel.
	ListChannels() ([]*channeldb.Channel, error)

	// ProposeHtlc proposes a new hash lock on the channel.
	ProposeHtlc(trwire.ChannelID,
		*chanstate.HtlcRequest) (trwire.SignMessage, error)

	// ProposeHtlcExecution claims a lock with its preimage.
	ProposeHtlcExecution(trwire.ChannelID,
		hashlock.Preimage) (trwire.SignMessage, error)

	// ProposeHtlcTimeout reclaims an expired lock.
	ProposeHtlcTimeout(trwire.ChannelID,
		hashlock.Hash) (trwire.SignMessage, error)
}

// Config holds the collaborators of a Forwarder.
type Config struct {
	Machine ChannelMachine

	// DB holds the open payment circuits and the forwarding log.
	DB *channeldb.DB

	Preimages *PreimageRegistry

	// Fee is kept from every forwarded payment.
	Fee trwire.Amount

	// TimeLockDelta is subtracted from the incoming timeout of a
	// forwarded lock.
	TimeLockDelta uint32

	// BestHeight returns the current chain height.
	BestHeight func() (uint32, error)

	Clock clock.Clock
}

// Forwarder moves hash locked payments across channels. It reacts to
// committed HTLC records: incoming locks are forwarded or claimed, learned
// preimages are passed upstream and expired locks are reclaimed.
type Forwarder struct {
	cfg *Config
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg *Config) *Forwarder {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Forwarder{cfg: cfg}
}

// findChannel returns the open channel with peer for the asset.
func (f *Forwarder) findChannel(peer trwire.Endpoint,
	asset string) (*channeldb.Channel, error) {

	channels, err := f.cfg.Machine.ListChannels()
	if err != nil {
		return nil, err
	}

	local := f.cfg.Machine.Local()
	for _, c := range channels {
		if c.State != channeldb.ChanStateOpen || c.Asset != asset {
			continue
		}
		if c.Member(local) && c.Counterparty(local) == peer {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: %v for %v", ErrNoRouteChannel, peer, asset)
}

// SendPayment locks the first hop of route. The later hops are proposed by
// each intermediate node once its incoming lock is committed.
func (f *Forwarder) SendPayment(asset string,
	route []Hop) (trwire.SignMessage, error) {

	if err := ValidateRoute(route); err != nil {
		return nil, err
	}

	first := &route[0]
	if first.From != f.cfg.Machine.Local() {
		return nil, fmt.Errorf("%w: route starts at %v", ErrInvalidRoute,
			first.From)
	}

	c, err := f.findChannel(first.To, asset)
	if err != nil {
		return nil, err
	}

	log.Infof("Sending %v along %d hops, hash=%v", first.Payment,
		len(route), first.HashLock)

	return f.cfg.Machine.ProposeHtlc(c.ID, &chanstate.HtlcRequest{
		HashLock:      first.HashLock,
		Income:        first.Income,
		Payment:       first.Payment,
		TimeoutHeight: first.TimeoutHeight,
		Route: fn.Some(trwire.RouterInfo{
			Path: RoutePath(route),
			Next: 1,
		}),
	})
}

// HandleCommit reacts to a record committed on channel c. It returns the
// proposals to send as a result.
func (f *Forwarder) HandleCommit(c *channeldb.Channel,
	rec *channeldb.TxRecord) ([]trwire.Message, error) {

	if rec.HTLC.IsNone() {
		return nil, nil
	}
	info := rec.HTLC.UnwrapOr(channeldb.HTLCInfo{})

	local := f.cfg.Machine.Local()
	localProposed := rec.IsFounder == c.IsFounder(local)

	switch rec.Type {
	case trwire.TxHCTX:
		if localProposed {
			return nil, nil
		}

		return f.handleIncomingLock(c, &info)

	case trwire.TxHETX:
		if localProposed {
			return nil, f.settleCircuit(c, &info)
		}

		return f.handleExecution(c, &info)

	case trwire.TxHTTX:
		return nil, f.failCircuit(c, &info)
	}

	return nil, nil
}

// handleIncomingLock claims a lock paid to this wallet as the last hop or
// forwards it to the next hop of its route.
func (f *Forwarder) handleIncomingLock(c *channeldb.Channel,
	info *channeldb.HTLCInfo) ([]trwire.Message, error) {

	local := f.cfg.Machine.Local()
	if len(info.Router) > 0 && (int(info.Next) >= len(info.Router) ||
		info.Router[info.Next] != local) {

		log.Warnf("Incoming lock %v on channel %v routed past this "+
			"wallet at hop %d", info.HashLock, c.ID, info.Next)

		return nil, fmt.Errorf("%w: hop %d of %d", ErrNotOnRoute,
			info.Next, len(info.Router))
	}

	lastHop := len(info.Router) == 0 ||
		int(info.Next)+1 >= len(info.Router)
	if lastHop {
		preimage, ok := f.cfg.Preimages.LookupPreimage(info.HashLock)
		if !ok {
			log.Warnf("Incoming lock %v on channel %v has unknown "+
				"preimage", info.HashLock, c.ID)
			return nil, nil
		}

		log.Infof("Claiming %v on channel %v, hash=%v", info.Payment,
			c.ID, info.HashLock)

		msg, err := f.cfg.Machine.ProposeHtlcExecution(c.ID, preimage)
		if err != nil {
			return nil, err
		}

		return []trwire.Message{msg}, nil
	}

	msg, err := f.forward(c, info)
	if err != nil {
		log.Errorf("Unable to forward %v from channel %v: %v",
			info.HashLock, c.ID, err)
		return nil, err
	}

	return []trwire.Message{msg}, nil
}

// forward proposes the downstream lock of an incoming one and opens its
// payment circuit.
func (f *Forwarder) forward(in *channeldb.Channel,
	info *channeldb.HTLCInfo) (trwire.SignMessage, error) {

	next := info.Router[info.Next+1]

	payment := info.Payment - f.cfg.Fee
	if payment <= 0 {
		return nil, fmt.Errorf("%w: %v with fee %v", ErrFeeTooHigh,
			info.Payment, f.cfg.Fee)
	}
	if info.TimeoutHeight <= f.cfg.TimeLockDelta {
		return nil, fmt.Errorf("%w: %d", ErrTimeoutTooClose,
			info.TimeoutHeight)
	}
	timeout := info.TimeoutHeight - f.cfg.TimeLockDelta

	if f.cfg.BestHeight != nil {
		height, err := f.cfg.BestHeight()
		if err != nil {
			return nil, err
		}
		if timeout <= height {
			return nil, fmt.Errorf("%w: outgoing timeout %d at "+
				"height %d", ErrTimeoutTooClose, timeout, height)
		}
	}

	out, err := f.findChannel(next, in.Asset)
	if err != nil {
		return nil, err
	}

	circuit := &channeldb.Circuit{
		HashLock:        info.HashLock,
		IncomingChanID:  in.ID,
		OutgoingChanID:  out.ID,
		AmtIn:           info.Payment,
		AmtOut:          payment,
		IncomingTimeout: info.TimeoutHeight,
		OutgoingTimeout: timeout,
	}
	if err := f.cfg.DB.AddCircuit(circuit); err != nil {
		return nil, err
	}

	msg, err := f.cfg.Machine.ProposeHtlc(out.ID, &chanstate.HtlcRequest{
		HashLock:      info.HashLock,
		Income:        info.Payment,
		Payment:       payment,
		TimeoutHeight: timeout,
		Route: fn.Some(trwire.RouterInfo{
			Path: info.Router,
			Next: info.Next + 1,
		}),
	})
	if err != nil {
		_, closeErr := f.cfg.DB.CloseCircuit(
			info.HashLock, false, f.cfg.Clock.Now(),
		)
		if closeErr != nil {
			log.Errorf("Unable to close circuit %v: %v",
				info.HashLock, closeErr)
		}

		return nil, err
	}

	log.Infof("Forwarding %v -> %v from channel %v to %v, hash=%v",
		info.Payment, payment, in.ID, out.ID, info.HashLock)

	return msg, nil
}

// handleExecution records the preimage revealed by the payee of one of our
// locks and claims the matching incoming lock.
func (f *Forwarder) handleExecution(c *channeldb.Channel,
	info *channeldb.HTLCInfo) ([]trwire.Message, error) {

	if err := f.cfg.Preimages.AddPreimages(info.Preimage); err != nil {
		return nil, err
	}

	circuit, err := f.cfg.DB.FetchCircuit(info.HashLock)
	switch {
	// We were the payer of the whole route.
	case errors.Is(err, channeldb.ErrCircuitNotFound):
		log.Infof("Payment %v settled on channel %v", info.HashLock,
			c.ID)
		return nil, nil

	case err != nil:
		return nil, err
	}
	if circuit.OutgoingChanID != c.ID {
		return nil, nil
	}

	log.Infof("Settling %v upstream on channel %v", info.HashLock,
		circuit.IncomingChanID)

	msg, err := f.cfg.Machine.ProposeHtlcExecution(
		circuit.IncomingChanID, info.Preimage,
	)
	if err != nil {
		return nil, err
	}

	return []trwire.Message{msg}, nil
}

// settleCircuit closes the circuit once its incoming lock is claimed and
// logs the forward.
func (f *Forwarder) settleCircuit(c *channeldb.Channel,
	info *channeldb.HTLCInfo) error {

	circuit, err := f.cfg.DB.FetchCircuit(info.HashLock)
	switch {
	case errors.Is(err, channeldb.ErrCircuitNotFound):
		return nil

	case err != nil:
		return err
	}
	if circuit.IncomingChanID != c.ID {
		return nil
	}

	_, err = f.cfg.DB.CloseCircuit(info.HashLock, true, f.cfg.Clock.Now())
	if err != nil {
		return err
	}

	log.Infof("Forward of %v settled, earned %v", info.HashLock,
		circuit.AmtIn-circuit.AmtOut)

	return nil
}

// failCircuit closes the circuit of an outgoing lock that timed out. The
// incoming lock is left for the upstream payer to reclaim.
func (f *Forwarder) failCircuit(c *channeldb.Channel,
	info *channeldb.HTLCInfo) error {

	circuit, err := f.cfg.DB.FetchCircuit(info.HashLock)
	switch {
	case errors.Is(err, channeldb.ErrCircuitNotFound):
		return nil

	case err != nil:
		return err
	}
	if circuit.OutgoingChanID != c.ID {
		return nil
	}

	log.Infof("Forward of %v timed out on channel %v", info.HashLock,
		c.ID)

	_, err = f.cfg.DB.CloseCircuit(info.HashLock, false, f.cfg.Clock.Now())

	return err
}

// OnBlockHeight reclaims every lock this wallet paid that expired at
// height. One timeout is proposed per channel, the next ones follow on
// later blocks.
func (f *Forwarder) OnBlockHeight(height uint32) ([]trwire.Message, error) {
	channels, err := f.cfg.Machine.ListChannels()
	if err != nil {
		return nil, err
	}

	local := f.cfg.Machine.Local()

	var msgs []trwire.Message
	for _, c := range channels {
		if c.State != channeldb.ChanStateOpen {
			continue
		}

		for _, htlc := range c.PendingHTLCs {
			if htlc.FounderPays != c.IsFounder(local) ||
				height < htlc.TimeoutHeight {

				continue
			}

			msg, err := f.cfg.Machine.ProposeHtlcTimeout(
				c.ID, htlc.HashLock,
			)
			if err != nil {
				log.Warnf("Unable to time out %v on channel "+
					"%v: %v", htlc.HashLock, c.ID, err)
				break
			}

			log.Infof("Timing out %v on channel %v at height %d",
				htlc.HashLock, c.ID, height)

			msgs = append(msgs, msg)

			break
		}
	}

	return msgs, nil
}
