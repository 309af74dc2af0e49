package reader

import (
	"sync"

	"bookflow/models"
)

// Books is the per-adapter cache of current price levels keyed by token.
// Writers replace a token's book wholesale, so readers never observe a book
// that mixes levels from two updates.
type Books struct {
	mu    sync.RWMutex
	books map[string]models.PriceLevelSet
}

func NewBooks() *Books {
	return &Books{books: make(map[string]models.PriceLevelSet)}
}

func (b *Books) Set(token string, set models.PriceLevelSet) {
	b.mu.Lock()
	b.books[token] = set
	b.mu.Unlock()
}

func (b *Books) Get(token string) (models.PriceLevelSet, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.books[token]
	return set, ok
}

func (b *Books) Delete(token string) {
	b.mu.Lock()
	delete(b.books, token)
	b.mu.Unlock()
}

func (b *Books) Clear() {
	b.mu.Lock()
	b.books = make(map[string]models.PriceLevelSet)
	b.mu.Unlock()
}
