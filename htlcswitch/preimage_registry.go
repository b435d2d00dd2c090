package htlcswitch

import (
	"errors"
	"sync"

	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/hashlock"
)

// preimageSubscriber represents an active subscription to be notified once
// the daemon learns new preimages.
type preimageSubscriber struct {
	updateChan chan hashlock.Preimage

	quit chan struct{}
}

// PreimageSubscription delivers every preimage added after it was created.
type PreimageSubscription struct {
	PreimageUpdates <-chan hashlock.Preimage

	CancelSubscription func()
}

// PreimageRegistry knows the preimages of this wallet's own payment hashes
// and every preimage revealed by a downstream execution. Preimages are
// persisted in the ledger.
type PreimageRegistry struct {
	sync.RWMutex

	db *channeldb.DB

	clientCounter uint64
	subscribers   map[uint64]*preimageSubscriber
}

// NewPreimageRegistry creates a registry backed by db.
func NewPreimageRegistry(db *channeldb.DB) *PreimageRegistry {
	return &PreimageRegistry{
		db:          db,
		subscribers: make(map[uint64]*preimageSubscriber),
	}
}

// SubscribeUpdates returns a subscription that is sent upon each time a new
// preimage is added.
func (p *PreimageRegistry) SubscribeUpdates() *PreimageSubscription {
	p.Lock()
	defer p.Unlock()

	clientID := p.clientCounter
	client := &preimageSubscriber{
		updateChan: make(chan hashlock.Preimage, 10),
		quit:       make(chan struct{}),
	}

	p.subscribers[clientID] = client
	p.clientCounter++

	log.Debugf("Creating new preimage subscriber, id=%v", clientID)

	return &PreimageSubscription{
		PreimageUpdates: client.updateChan,
		CancelSubscription: func() {
			p.Lock()
			defer p.Unlock()

			delete(p.subscribers, clientID)

			close(client.quit)
		},
	}
}

// LookupPreimage returns the preimage of hash. False is returned if it's
// unknown.
func (p *PreimageRegistry) LookupPreimage(
	hash hashlock.Hash) (hashlock.Preimage, bool) {

	p.RLock()
	defer p.RUnlock()

	preimage, err := p.db.LookupPreimage(hash)
	switch {
	case errors.Is(err, channeldb.ErrPreimageNotFound):
		return hashlock.Preimage{}, false

	case err != nil:
		log.Errorf("Unable to lookup preimage of %v: %v", hash, err)
		return hashlock.Preimage{}, false
	}

	return preimage, true
}

// AddPreimages stores newly learned preimages and signals every subscriber.
func (p *PreimageRegistry) AddPreimages(preimages ...hashlock.Preimage) error {
	if len(preimages) == 0 {
		return nil
	}

	// Copy the preimages so the caller can't modify them while the
	// notifications are delivered.
	preimageCopies := make([]hashlock.Preimage, 0, len(preimages))
	for _, preimage := range preimages {
		log.Infof("Adding preimage of %v to registry", preimage.Hash())
		preimageCopies = append(preimageCopies, preimage)
	}

	if err := p.db.AddPreimages(preimageCopies...); err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()

	for _, client := range p.subscribers {
		go func(c *preimageSubscriber) {
			for _, preimage := range preimageCopies {
				select {
				case c.updateChan <- preimage:
				case <-c.quit:
					return
				}
			}
		}(client)
	}

	return nil
}
