// Package upload holds decoded uploads between the upload and analyze steps.
package upload

import (
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultMaxEntries = 64
	DefaultTTL        = 30 * time.Minute
)

var ErrNotFound = errors.New("upload not found or expired")

type Upload struct {
	ID        string
	Filename  string
	Format    string
	Raw       []byte
	Image     image.Image
	CreatedAt time.Time
}

// Store is a bounded, expiring map of uploads keyed by a random id.
type Store struct {
	cache *expirable.LRU[string, *Upload]
}

func NewStore(maxEntries int, ttl time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: expirable.NewLRU[string, *Upload](maxEntries, nil, ttl)}
}

// Put stores u under a fresh id and returns it.
func (s *Store) Put(u *Upload) string {
	u.ID = uuid.NewString()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.cache.Add(u.ID, u)
	return u.ID
}

func (s *Store) Get(id string) (*Upload, error) {
	u, ok := s.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (s *Store) Len() int { return s.cache.Len() }
