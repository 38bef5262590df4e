package telegram

import (
	"sync"
	"time"

	"github.com/xkilldash9x/panelbot/api/schemas"
)

// MenuStep is where a chat stands in the account menu.
type MenuStep int

const (
	MenuIdle MenuStep = iota
	MenuChoosingKind
	MenuChoosingPackage
)

// MenuState is the per-chat menu progress.
type MenuState struct {
	Step      MenuStep
	Kind      schemas.AccountKind
	UpdatedAt time.Time
}

// StateStore keeps menu state per chat. Entries older than ttl read as
// idle so an abandoned menu does not linger.
type StateStore struct {
	mu     sync.Mutex
	states map[int64]MenuState
	ttl    time.Duration
	now    func() time.Time
}

func NewStateStore(ttl time.Duration) *StateStore {
	return &StateStore{states: make(map[int64]MenuState), ttl: ttl, now: time.Now}
}

func (s *StateStore) Get(chatID int64) MenuState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[chatID]
	if !ok {
		return MenuState{}
	}
	if s.ttl > 0 && s.now().Sub(st.UpdatedAt) > s.ttl {
		delete(s.states, chatID)
		return MenuState{}
	}
	return st
}

func (s *StateStore) Set(chatID int64, st MenuState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = s.now()
	s.states[chatID] = st
}

func (s *StateStore) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, chatID)
}
