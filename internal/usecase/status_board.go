package usecase

import (
	"sort"
	"sync"

	"github.com/vitos/spot_averaging/internal/domain"
)

// StatusBoard keeps the latest AccountState of every running account for the status page.
type StatusBoard struct {
	mu     sync.RWMutex
	states map[string]domain.AccountState
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{states: make(map[string]domain.AccountState)}
}

func (b *StatusBoard) Update(state domain.AccountState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[state.Label] = state
}

func (b *StatusBoard) Remove(label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, label)
}

// Snapshot returns a copy sorted by label.
func (b *StatusBoard) Snapshot() []domain.AccountState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.AccountState, 0, len(b.states))
	for _, s := range b.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
