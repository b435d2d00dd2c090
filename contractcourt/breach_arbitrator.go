package contractcourt

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/chanstate"
	"github.com/trinity-network/trinity/multimutex"
	"github.com/trinity-network/trinity/trwire"
	"github.com/trinity-network/trinity/txbuilder"
)

var (
	// ErrNoCommitment is returned when a channel has no record to close
	// it with.
	ErrNoCommitment = errors.New("channel has no commitment to broadcast")

	// ErrMissingTemplate is returned when a record lacks the template an
	// action needs.
	ErrMissingTemplate = errors.New("record lacks template")
)

// BreachConfig bundles the subsystems used by the breach arbitrator.
type BreachConfig struct {
	// DB holds channels, their nonce chains, reported heights and the
	// scheduled block events.
	DB *channeldb.DB

	// Local is this wallet. Its reported heights drive the block events
	// scheduled here.
	Local trwire.Endpoint

	// Ledger names the authoritative record of a channel.
	Ledger ChannelLedger

	// ChainIO submits transactions.
	ChainIO ChainIO

	// ChanMutex is shared with the channel state machine, so a channel is
	// never advanced while it is being closed.
	ChanMutex *multimutex.Mutex[trwire.ChannelID]

	// DelayBlockHeight is the window between observing a commitment and
	// the maturity of its revocable delivery.
	DelayBlockHeight uint32
}

// WatchSet is what a force close leaves behind to be watched.
type WatchSet struct {
	ChannelID trwire.ChannelID

	// CommitTxID is the id the chain assigned to the broadcast
	// commitment.
	CommitTxID chainhash.Hash

	// Nonce is the nonce of the broadcast record.
	Nonce uint64

	// MonitorTxIDs lists the monitored txid of every record of the
	// channel, oldest first. A broadcast of any but the last one is a
	// breach.
	MonitorTxIDs []chainhash.Hash

	// Events lists the block events already scheduled for the channel.
	Events []channeldb.BlockEvent
}

// BreachArbitrator watches broadcasts of channel commitments. A legitimate
// close is completed with the revocable delivery once it matures, a stale
// commitment is answered with the breach remedy.
type BreachArbitrator struct {
	cfg *BreachConfig

	metrics *metrics
}

// NewBreachArbitrator creates a new breach arbitrator.
func NewBreachArbitrator(cfg *BreachConfig) *BreachArbitrator {
	if cfg.ChanMutex == nil {
		cfg.ChanMutex = multimutex.NewMutex[trwire.ChannelID]()
	}
	if cfg.DelayBlockHeight == 0 {
		cfg.DelayBlockHeight = txbuilder.DefaultDelayBlockHeight
	}

	return &BreachArbitrator{
		cfg:     cfg,
		metrics: newMetrics(),
	}
}

// TryGetBlockHeight returns the last height reported for the endpoint.
func (b *BreachArbitrator) TryGetBlockHeight(uri trwire.Endpoint) (uint32,
	error) {

	return b.cfg.DB.FetchBlockHeight(uri)
}

// AddBlockHeight records a height reported for the endpoint and triggers
// every block event of the endpoint that is due. The last report wins even
// if it is lower than the previous one.
func (b *BreachArbitrator) AddBlockHeight(uri trwire.Endpoint,
	height uint32) error {

	if err := b.cfg.DB.PutBlockHeight(uri, height); err != nil {
		return err
	}

	due, err := b.cfg.DB.DueBlockEvents(height)
	if err != nil {
		return err
	}

	var errs []error
	for i := range due {
		event := &due[i]
		if event.Endpoint != uri {
			continue
		}

		if err := b.triggerEvent(event, height); err != nil {
			brarLog.Errorf("Unable to trigger %v event of channel "+
				"%v at nonce %d: %v", event.Type,
				event.ChannelID, event.Nonce, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// triggerEvent runs a due block event and removes it.
func (b *BreachArbitrator) triggerEvent(event *channeldb.BlockEvent,
	height uint32) error {

	id := event.ChannelID

	b.cfg.ChanMutex.Lock(id)
	defer b.cfg.ChanMutex.Unlock(id)

	b.metrics.eventsTriggered.WithLabelValues(event.Type.String()).Inc()

	brarLog.Debugf("Triggering block event at height %d: %v", height,
		newLogClosure(func() string {
			return spew.Sdump(event)
		}))

	c, err := b.cfg.DB.FetchChannel(id)
	if err != nil {
		return err
	}
	if c.State == channeldb.ChanStateClosed {
		return b.cfg.DB.RemoveBlockEvent(event)
	}

	auth, err := b.cfg.Ledger.CommitmentRecord(id)
	if err != nil {
		return err
	}

	switch {
	// The delay of a legitimate close elapsed, so our revocable delivery
	// can be spent.
	case event.Nonce == auth.Nonce:
		rec, err := b.cfg.DB.FetchTx(id, event.Nonce)
		if err != nil {
			return err
		}

		err = b.submit(c, rec, revocableKind, event.ObservedHeight)
		if err != nil {
			// The event is dropped either way, the channel stays
			// CLOSING for the operator to resolve.
			if rmErr := b.cfg.DB.RemoveBlockEvent(event); rmErr != nil {
				brarLog.Errorf("Unable to remove block event: %v",
					rmErr)
			}

			return err
		}
		b.metrics.revocableSpends.Inc()

		brarLog.Infof("Revocable delivery of channel %v at nonce %d "+
			"submitted", id, event.Nonce)

	// The breach stays visible to the operator, the channel is left
	// CLOSING.
	case !event.Remedied:
		brarLog.Criticalf("Breach window of channel %v at nonce %d "+
			"elapsed without a breach remedy", id, event.Nonce)
		b.metrics.unremediedBreaches.Inc()

		return b.cfg.DB.RemoveBlockEvent(event)

	default:
		brarLog.Infof("Breach of channel %v at nonce %d remedied",
			id, event.Nonce)
	}

	if _, err := b.advanceState(c, channeldb.ChanStateClosed); err != nil {
		return err
	}

	return b.cfg.DB.RemoveBlockEvent(event)
}

// NotifyTransaction handles a transaction seen on chain at height. Only
// monitored commitments are acted upon.
func (b *BreachArbitrator) NotifyTransaction(txid chainhash.Hash,
	height uint32) error {

	id, nonce, err := b.cfg.DB.LookupMonitor(txid)
	switch {
	case errors.Is(err, channeldb.ErrTxNotFound):
		return nil

	case err != nil:
		return err
	}

	b.cfg.ChanMutex.Lock(id)
	defer b.cfg.ChanMutex.Unlock(id)

	c, err := b.cfg.DB.FetchChannel(id)
	if err != nil {
		return err
	}
	if c.State == channeldb.ChanStateClosed {
		brarLog.Debugf("Ignoring %v of closed channel %v", txid, id)
		return nil
	}

	rec, err := b.cfg.DB.FetchTx(id, nonce)
	if err != nil {
		return err
	}

	// A mutual settle reaching the chain completes the close.
	if rec.Type == trwire.TxSettle {
		brarLog.Infof("Settle of channel %v confirmed at height %d",
			id, height)

		_, err := b.advanceState(c, channeldb.ChanStateClosed)
		return err
	}

	auth, err := b.cfg.Ledger.CommitmentRecord(id)
	if err != nil {
		return err
	}

	events, err := b.cfg.DB.ChannelBlockEvents(id)
	if err != nil {
		return err
	}
	for i := range events {
		if events[i].Nonce == nonce {
			brarLog.Debugf("Commitment %v of channel %v already "+
				"handled", txid, id)
			return nil
		}
	}

	// Any stale commitment still waiting for its remedy is superseded by
	// this broadcast.
	if err := b.remedyPending(c, events, nonce, height); err != nil {
		return err
	}

	event := &channeldb.BlockEvent{
		TargetHeight:   height + b.cfg.DelayBlockHeight,
		ChannelID:      id,
		Nonce:          nonce,
		Type:           channeldb.BlockEventRevocable,
		ObservedHeight: height,
		ObservedTxID:   txid,
		Endpoint:       b.cfg.Local,
	}

	switch {
	case nonce == auth.Nonce:
		brarLog.Infof("Commitment of channel %v at nonce %d observed "+
			"at height %d, revocable delivery matures at %d", id,
			nonce, height, event.TargetHeight)

	case nonce < auth.Nonce:
		brarLog.Warnf("Stale commitment of channel %v at nonce %d "+
			"broadcast at height %d, latest nonce is %d", id,
			nonce, height, auth.Nonce)

	default:
		return fmt.Errorf("%w: nonce %d beyond commitment %d",
			channeldb.ErrNonceConflict, nonce, auth.Nonce)
	}

	if err := b.cfg.DB.AddBlockEvent(event); err != nil {
		return err
	}
	c, err = b.advanceState(c, channeldb.ChanStateClosing)
	if err != nil {
		return err
	}

	if nonce < auth.Nonce {
		return b.triggerBreachRemedy(c, event)
	}

	return nil
}

// remedyPending submits the breach remedy of every unremedied event older
// than nonce whose window is still open.
func (b *BreachArbitrator) remedyPending(c *channeldb.Channel,
	events []channeldb.BlockEvent, nonce uint64, height uint32) error {

	for i := range events {
		event := &events[i]
		if event.Remedied || event.Nonce >= nonce ||
			event.TargetHeight <= height {

			continue
		}

		brarLog.Infof("Commitment at nonce %d supersedes stale nonce "+
			"%d of channel %v", nonce, event.Nonce, c.ID)

		if err := b.triggerBreachRemedy(c, event); err != nil {
			return err
		}
	}

	return nil
}

// TriggerBreachRemedyTransaction submits the breach remedy of the stale
// commitment at nonce, observed at the given height.
func (b *BreachArbitrator) TriggerBreachRemedyTransaction(
	id trwire.ChannelID, nonce uint64, observedHeight uint32) error {

	b.cfg.ChanMutex.Lock(id)
	defer b.cfg.ChanMutex.Unlock(id)

	c, err := b.cfg.DB.FetchChannel(id)
	if err != nil {
		return err
	}

	events, err := b.cfg.DB.ChannelBlockEvents(id)
	if err != nil {
		return err
	}
	for i := range events {
		if events[i].Nonce == nonce {
			return b.triggerBreachRemedy(c, &events[i])
		}
	}

	return b.triggerBreachRemedy(c, &channeldb.BlockEvent{
		ChannelID:      id,
		Nonce:          nonce,
		ObservedHeight: observedHeight,
	})
}

// triggerBreachRemedy submits the remedy of the event's record and marks a
// scheduled event as remedied. The channel mutex must be held.
func (b *BreachArbitrator) triggerBreachRemedy(c *channeldb.Channel,
	event *channeldb.BlockEvent) error {

	rec, err := b.cfg.DB.FetchTx(c.ID, event.Nonce)
	if err != nil {
		return err
	}

	err = b.submit(
		c, rec, b.breachRemedyKind(c), event.ObservedHeight,
	)
	if err != nil {
		return err
	}
	b.metrics.breachRemedies.Inc()

	brarLog.Infof("Breach remedy of channel %v at nonce %d submitted",
		c.ID, event.Nonce)

	if event.TargetHeight == 0 {
		return nil
	}

	event.Remedied = true

	return b.cfg.DB.AddBlockEvent(event)
}

// ForceClose broadcasts the authoritative commitment of the channel and
// returns what has to be watched until the close completes.
func (b *BreachArbitrator) ForceClose(id trwire.ChannelID) (*WatchSet,
	error) {

	b.cfg.ChanMutex.Lock(id)
	defer b.cfg.ChanMutex.Unlock(id)

	c, err := b.cfg.DB.FetchChannel(id)
	if err != nil {
		return nil, err
	}
	switch c.State {
	case channeldb.ChanStateOpen, channeldb.ChanStateClosing:

	case channeldb.ChanStateClosed:
		return nil, fmt.Errorf("%w: %v", chanstate.ErrChannelClosed, id)

	default:
		return nil, fmt.Errorf("%w: force close of %v channel",
			chanstate.ErrWrongState, c.State)
	}

	rec, err := b.cfg.Ledger.CommitmentRecord(id)
	switch {
	case errors.Is(err, channeldb.ErrTxNotFound):
		return nil, fmt.Errorf("%w: %v", ErrNoCommitment, id)

	case err != nil:
		return nil, err
	}

	height, err := b.cfg.DB.FetchBlockHeight(b.cfg.Local)
	if err != nil && !errors.Is(err, channeldb.ErrBlockHeightNotFound) {
		return nil, err
	}

	txid, err := b.submitKind(c, rec, commitmentKind, height)
	if err != nil {
		return nil, err
	}

	c, err = b.advanceState(c, channeldb.ChanStateClosing)
	if err != nil {
		return nil, err
	}

	records, err := b.cfg.DB.FetchTxs(id)
	if err != nil {
		return nil, err
	}
	events, err := b.cfg.DB.ChannelBlockEvents(id)
	if err != nil {
		return nil, err
	}

	watch := &WatchSet{
		ChannelID:  id,
		CommitTxID: txid,
		Nonce:      rec.Nonce,
		Events:     events,
	}
	for _, r := range records {
		if r.Type == trwire.TxSettle {
			continue
		}
		watch.MonitorTxIDs = append(watch.MonitorTxIDs, r.MonitorTxID)
	}

	brarLog.Infof("Force closed channel %v at nonce %d with %v", id,
		rec.Nonce, txid)

	return watch, nil
}

// templateKind picks a template out of a record's layout.
type templateKind func(txbuilder.Layout) (trwire.TxKind, bool)

func commitmentKind(l txbuilder.Layout) (trwire.TxKind, bool) {
	return l.Commitment, true
}

func revocableKind(l txbuilder.Layout) (trwire.TxKind, bool) {
	return l.Revocable.UnwrapOr(0), l.Revocable.IsSome()
}

// breachRemedyKind picks the remedy against the counterparty, the one
// paying the whole channel to this wallet.
func (b *BreachArbitrator) breachRemedyKind(
	c *channeldb.Channel) templateKind {

	founderBreached := !c.IsFounder(b.cfg.Local)

	return func(l txbuilder.Layout) (trwire.TxKind, bool) {
		return trwire.BreachRemedyAgainst(founderBreached),
			l.BreachRemedy
	}
}

// submit broadcasts a template of the record.
func (b *BreachArbitrator) submit(c *channeldb.Channel,
	rec *channeldb.TxRecord, pick templateKind, height uint32) error {

	_, err := b.submitKind(c, rec, pick, height)

	return err
}

// submitKind resolves the witness of a template of the record and
// broadcasts it. Failures are logged as critical and counted, never
// retried.
func (b *BreachArbitrator) submitKind(c *channeldb.Channel,
	rec *channeldb.TxRecord, pick templateKind,
	height uint32) (chainhash.Hash, error) {

	layout, err := txbuilder.LayoutFor(rec.Type)
	if err != nil {
		return chainhash.Hash{}, err
	}
	kind, ok := pick(layout)
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("%w: %v record at nonce %d",
			ErrMissingTemplate, rec.Type, rec.Nonce)
	}
	tx, ok := rec.Tx(kind)
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("%w: %v in %v record at "+
			"nonce %d", ErrMissingTemplate, kind, rec.Type, rec.Nonce)
	}

	witness, err := b.resolveWitness(tx, c.IsFounder(b.cfg.Local), height)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := b.cfg.ChainIO.SendRawTransaction(
		tx.Template.RawData, witness,
	)
	if err != nil {
		b.metrics.broadcastFailures.WithLabelValues(kind.String()).Inc()
		brarLog.Criticalf("Unable to broadcast %v of channel %v at "+
			"nonce %d: %v", kind, c.ID, rec.Nonce, err)

		return chainhash.Hash{}, fmt.Errorf("%w: %v: %v",
			chanstate.ErrBroadcast, kind, err)
	}

	brarLog.Debugf("Broadcast %v of channel %v at nonce %d as %v", kind,
		c.ID, rec.Nonce, txid)

	return txid, nil
}

// advanceState moves the channel forward one lifecycle step at a time until
// it reaches target. The channel mutex must be held.
func (b *BreachArbitrator) advanceState(c *channeldb.Channel,
	target channeldb.ChannelState) (*channeldb.Channel, error) {

	for c.State < target {
		next := *c
		next.State++
		if err := b.cfg.DB.UpdateChannel(&next); err != nil {
			return nil, err
		}
		c = &next
	}

	return c, nil
}
