package chainrpc

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/trwire"
)

const (
	// DefaultPollInterval is the period between block count queries.
	DefaultPollInterval = 15 * time.Second

	// maxBlocksPerPoll bounds the catch up done by a single poll.
	maxBlocksPerPoll = 100
)

// ChainSource is the part of the chain node the poller reads.
type ChainSource interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockVerbose(hash *chainhash.Hash) (*btcjson.GetBlockVerboseResult,
		error)
}

// TxWatcher is told about every transaction and every new height.
type TxWatcher interface {
	NotifyTransaction(txid chainhash.Hash, height uint32) error
	AddBlockHeight(uri trwire.Endpoint, height uint32) error
	TryGetBlockHeight(uri trwire.Endpoint) (uint32, error)
}

// HeightHandler reacts to a new height with messages for peers.
type HeightHandler interface {
	OnBlockHeight(height uint32) ([]trwire.Message, error)
}

// MessageSender delivers a message to a peer.
type MessageSender interface {
	SendMessage(to trwire.Endpoint, msg trwire.Message) error
}

// PollerConfig holds the collaborators of a Poller.
type PollerConfig struct {
	// Chain is queried for new blocks.
	Chain ChainSource

	// Local is the endpoint the observed heights are recorded for.
	Local trwire.Endpoint

	// Watcher receives every transaction and height.
	Watcher TxWatcher

	// Heights is told about each new height. It may be nil.
	Heights HeightHandler

	// Sender delivers the messages Heights produces.
	Sender MessageSender

	// Ticker drives the polling.
	Ticker ticker.Ticker
}

// Poller follows the chain tip and feeds each new block to the watcher.
type Poller struct {
	started sync.Once
	stopped sync.Once

	cfg *PollerConfig

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPoller creates a poller.
func NewPoller(cfg *PollerConfig) *Poller {
	return &Poller{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start begins polling.
func (p *Poller) Start() error {
	p.started.Do(func() {
		log.Infof("Chain poller starting for %v", p.cfg.Local)

		p.cfg.Ticker.Resume()

		p.wg.Add(1)
		go p.pollLoop()
	})

	return nil
}

// Stop halts polling.
func (p *Poller) Stop() error {
	p.stopped.Do(func() {
		log.Info("Chain poller shutting down...")

		close(p.quit)
		p.cfg.Ticker.Stop()
		p.wg.Wait()
	})

	return nil
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.cfg.Ticker.Ticks():
			if err := p.PollOnce(); err != nil {
				log.Errorf("Unable to poll chain: %v", err)
			}

		case <-p.quit:
			return
		}
	}
}

// PollOnce processes the blocks found since the last recorded height. A
// wallet without a recorded height starts at the current tip.
func (p *Poller) PollOnce() error {
	count, err := p.cfg.Chain.GetBlockCount()
	if err != nil {
		return err
	}
	tip := uint32(count)

	next := tip
	last, err := p.cfg.Watcher.TryGetBlockHeight(p.cfg.Local)
	switch {
	case errors.Is(err, channeldb.ErrBlockHeightNotFound):

	case err != nil:
		return err

	case last >= tip:
		return nil

	default:
		next = last + 1
	}

	if tip-next >= maxBlocksPerPoll {
		log.Infof("Catching up from height %d to %d", next, tip)
	}

	for n := 0; next <= tip && n < maxBlocksPerPoll; n++ {
		if err := p.processBlock(next); err != nil {
			return err
		}
		next++
	}

	return nil
}

// processBlock feeds the transactions of the block at height to the
// watcher, then records the height. Only chain query errors abort, so a
// block is never processed twice.
func (p *Poller) processBlock(height uint32) error {
	hash, err := p.cfg.Chain.GetBlockHash(int64(height))
	if err != nil {
		return err
	}
	block, err := p.cfg.Chain.GetBlockVerbose(hash)
	if err != nil {
		return err
	}

	log.Debugf("Processing block %v at height %d with %d transactions",
		hash, height, len(block.Tx))

	for _, txHex := range block.Tx {
		txid, err := chainhash.NewHashFromStr(txHex)
		if err != nil {
			log.Warnf("Skipping malformed txid %q in block %v",
				txHex, hash)
			continue
		}

		err = p.cfg.Watcher.NotifyTransaction(*txid, height)
		if err != nil {
			log.Errorf("Unable to handle transaction %v: %v",
				txid, err)
		}
	}

	err = p.cfg.Watcher.AddBlockHeight(p.cfg.Local, height)
	if err != nil {
		log.Errorf("Block events at height %d failed: %v", height, err)
	}

	if p.cfg.Heights == nil {
		return nil
	}

	msgs, err := p.cfg.Heights.OnBlockHeight(height)
	if err != nil {
		log.Errorf("Unable to handle height %d: %v", height, err)
	}
	for _, msg := range msgs {
		to := msg.Hdr().Receiver
		if err := p.cfg.Sender.SendMessage(to, msg); err != nil {
			log.Errorf("Unable to send %v to %v: %v",
				msg.MsgType(), to, err)
		}
	}

	return nil
}
