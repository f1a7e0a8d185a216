package provider

import (
	"sync"

	"marketnode/market"
)

// Manager multiplexes one Coordinator per active agreement. Per-agreement
// task state transitions are serialized (spec §5): each Coordinator's own
// mutex provides that, and Manager only ever hands an event to the single
// Coordinator that owns its agreement.
type Manager struct {
	mu           sync.Mutex
	coordinators map[market.AgreementID]*Coordinator
	dao          *ActivityDAO
	api          ActivityAPI
}

// NewManager constructs an empty Manager sharing one DAO and ActivityAPI
// across every coordinator it creates.
func NewManager(dao *ActivityDAO, api ActivityAPI) *Manager {
	return &Manager{
		coordinators: make(map[market.AgreementID]*Coordinator),
		dao:          dao,
		api:          api,
	}
}

// Coordinator returns the coordinator for agreementID, creating it (in State
// New) if this is the first time the agreement is seen.
func (m *Manager) Coordinator(agreementID market.AgreementID) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[agreementID]
	if !ok {
		c = NewCoordinator(agreementID, m.dao, m.api)
		m.coordinators[agreementID] = c
	}
	return c
}

// Remove drops the coordinator for agreementID, e.g. once it has reached
// Closed or Broken and its terminal state has been recorded elsewhere.
func (m *Manager) Remove(agreementID market.AgreementID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.coordinators, agreementID)
}

// Active returns the agreement ids of every coordinator not yet terminal.
func (m *Manager) Active() []market.AgreementID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.AgreementID
	for id, c := range m.coordinators {
		switch c.State() {
		case StateClosed, StateBroken:
			continue
		default:
			out = append(out, id)
		}
	}
	return out
}
