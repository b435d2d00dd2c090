package htlcswitch

import (
	"errors"
	"fmt"

	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

var (
	// ErrEmptyRoute is returned for a route without hops.
	ErrEmptyRoute = errors.New("route has no hops")

	// ErrInvalidRoute is returned when the hops of a route don't chain
	// up into a valid hash locked payment.
	ErrInvalidRoute = errors.New("invalid route")
)

// Hop is one channel a hash locked payment crosses.
type Hop struct {
	// From is the payer of the hop and To the payee.
	From trwire.Endpoint
	To   trwire.Endpoint

	HashLock hashlock.Hash

	// Income is what From receives for the payment upstream. It equals
	// Payment on the first hop.
	Income trwire.Amount

	// Payment is the amount locked on the hop.
	Payment trwire.Amount

	TimeoutHeight uint32
}

// String returns a short description of the hop.
func (h *Hop) String() string {
	return fmt.Sprintf("%v -> %v: %v (in %v) until %d", h.From, h.To,
		h.Payment, h.Income, h.TimeoutHeight)
}

// ValidateRoute checks the hops form a single payment: every hop shares
// the hash lock, nobody pays more than they receive, timeouts strictly
// decrease towards the payee and consecutive hops are linked.
func ValidateRoute(route []Hop) error {
	if len(route) == 0 {
		return ErrEmptyRoute
	}

	hash := route[0].HashLock
	if hash.IsZero() {
		return fmt.Errorf("%w: empty hash lock", ErrInvalidRoute)
	}

	for i := range route {
		hop := &route[i]

		switch {
		case hop.HashLock != hash:
			return fmt.Errorf("%w: hop %d hash lock %v differs "+
				"from %v", ErrInvalidRoute, i, hop.HashLock, hash)

		case hop.Payment <= 0:
			return fmt.Errorf("%w: hop %d pays %v", ErrInvalidRoute,
				i, hop.Payment)

		case hop.Income < hop.Payment:
			return fmt.Errorf("%w: hop %d pays %v for an income "+
				"of %v", ErrInvalidRoute, i, hop.Payment,
				hop.Income)

		case hop.TimeoutHeight == 0:
			return fmt.Errorf("%w: hop %d has no timeout",
				ErrInvalidRoute, i)

		case hop.From == hop.To:
			return fmt.Errorf("%w: hop %d pays itself",
				ErrInvalidRoute, i)
		}

		if i == 0 {
			continue
		}

		prev := &route[i-1]
		switch {
		case prev.To != hop.From:
			return fmt.Errorf("%w: hop %d starts at %v, hop %d "+
				"ends at %v", ErrInvalidRoute, i, hop.From, i-1,
				prev.To)

		case hop.Income != prev.Payment:
			return fmt.Errorf("%w: hop %d income %v doesn't match "+
				"upstream payment %v", ErrInvalidRoute, i,
				hop.Income, prev.Payment)

		case hop.TimeoutHeight >= prev.TimeoutHeight:
			return fmt.Errorf("%w: hop %d timeout %d not below "+
				"upstream timeout %d", ErrInvalidRoute, i,
				hop.TimeoutHeight, prev.TimeoutHeight)
		}
	}

	return nil
}

// NewRoute builds the hops paying amount along path. Each intermediate
// node keeps fee and gets delta blocks between its outgoing and incoming
// timeouts. The final hop expires at finalTimeout.
func NewRoute(path []trwire.Endpoint, hash hashlock.Hash,
	amount, fee trwire.Amount, finalTimeout, delta uint32) ([]Hop, error) {

	if len(path) < 2 {
		return nil, ErrEmptyRoute
	}

	n := len(path) - 1
	route := make([]Hop, n)
	for i := n - 1; i >= 0; i-- {
		hopsAfter := n - 1 - i
		route[i] = Hop{
			From:          path[i],
			To:            path[i+1],
			HashLock:      hash,
			Payment:       amount + fee*trwire.Amount(hopsAfter),
			TimeoutHeight: finalTimeout + delta*uint32(hopsAfter),
		}
	}
	for i := range route {
		if i == 0 {
			route[i].Income = route[i].Payment
			continue
		}
		route[i].Income = route[i-1].Payment
	}

	if err := ValidateRoute(route); err != nil {
		return nil, err
	}

	return route, nil
}

// RoutePath returns the endpoints a route visits, payer first.
func RoutePath(route []Hop) []trwire.Endpoint {
	if len(route) == 0 {
		return nil
	}

	path := make([]trwire.Endpoint, 0, len(route)+1)
	path = append(path, route[0].From)
	for i := range route {
		path = append(path, route[i].To)
	}

	return path
}
