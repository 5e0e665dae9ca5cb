package policy

import (
	"sync"
	"sync/atomic"

	"github.com/jingkaihe/fsguard/pkg/api"
)

// PublishFunc observes every snapshot the store makes current.
type PublishFunc func(*Snapshot)

// Store owns the current snapshot. Readers load it with a single atomic
// read; writers build a complete snapshot before swapping it in.
type Store struct {
	current    atomic.Pointer[Snapshot]
	mu         sync.Mutex // serializes writers only
	allowEmpty bool
	onPublish  []PublishFunc
}

type StoreOption func(*Store)

// WithAllowEmpty lets Reload accept an empty rule list.
func WithAllowEmpty(allow bool) StoreOption {
	return func(s *Store) { s.allowEmpty = allow }
}

// WithPublishHook registers fn to run after each successful swap.
func WithPublishHook(fn PublishFunc) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.onPublish = append(s.onPublish, fn)
		}
	}
}

// NewStore returns a store whose current snapshot is the empty version-0
// rule set, under which every operation is allowed.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	empty, _ := Build(0, nil, true)
	s.current.Store(empty)
	return s
}

// Current returns the active snapshot. It never blocks.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload validates rules and, only if all of them are valid, publishes them
// as the next version. On error the active snapshot is left untouched and
// the returned error is a *Error.
func (s *Store) Reload(rules []api.PolicyRule) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := Build(s.current.Load().version+1, rules, s.allowEmpty)
	if err != nil {
		return nil, err
	}
	s.current.Store(next)

	for _, fn := range s.onPublish {
		fn(next)
	}
	return next, nil
}
