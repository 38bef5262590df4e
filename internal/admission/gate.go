// Package admission enforces one in-flight provisioning run per requester.
package admission

import (
	"fmt"
	"sync"

	"github.com/xkilldash9x/panelbot/api/schemas"
)

// Gate tracks which requesters have a run in flight. Different requesters
// never wait on each other.
type Gate struct {
	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func NewGate() *Gate {
	return &Gate{inFlight: make(map[int64]struct{})}
}

// TryAdmit marks requesterID as busy, or fails immediately with
// ALREADY_IN_PROGRESS if it already is.
func (g *Gate) TryAdmit(requesterID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[requesterID]; busy {
		return schemas.NewError(schemas.ErrCodeAlreadyInProgress,
			fmt.Sprintf("requester %d already has a run in flight", requesterID), nil)
	}
	g.inFlight[requesterID] = struct{}{}
	return nil
}

// Release clears requesterID. Releasing an idle requester is a no-op.
func (g *Gate) Release(requesterID int64) {
	g.mu.Lock()
	delete(g.inFlight, requesterID)
	g.mu.Unlock()
}

// Admit is TryAdmit returning a release func that is safe to call more
// than once.
func (g *Gate) Admit(requesterID int64) (release func(), err error) {
	if err := g.TryAdmit(requesterID); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { g.Release(requesterID) }) }, nil
}

// InFlight reports how many requesters currently hold a slot.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

// Busy reports whether requesterID has a run in flight.
func (g *Gate) Busy(requesterID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[requesterID]
	return ok
}
