package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Session is one conversation. Its history is append-only.
type Session struct {
	ID string

	// turn is a one-slot lock held for a whole turn.
	turn chan struct{}
	// pins counts turns holding or waiting for the turn lock; guarded by
	// SessionStore.mu. A pinned session is never evicted.
	pins int

	mu       sync.Mutex
	messages []Message
	lastUsed atomic.Int64
}

func newSession(id string, seed Message) *Session {
	s := &Session{ID: id, turn: make(chan struct{}, 1), messages: []Message{seed}}
	s.touch()
	return s
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Last returns the most recent message.
func (s *Session) Last() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[len(s.messages)-1]
}

func (s *Session) append(msgs ...Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	s.mu.Unlock()
	s.touch()
}

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

type SessionStoreOptions struct {
	// TTL is how long an idle session is kept. Zero keeps sessions forever.
	TTL             time.Duration
	CleanupInterval time.Duration
	// MaxSessions bounds the number of live sessions; the least recently used
	// one is evicted to make room. Zero means unbounded.
	MaxSessions int
}

// SessionStore owns every live conversation.
type SessionStore struct {
	mu          sync.Mutex
	cache       *cache.Cache
	active      map[string]*Session
	seed        Message
	maxSessions int
	log         *zap.Logger
}

// NewSessionStore creates a store whose sessions all start with a system
// message carrying seedPrompt.
func NewSessionStore(seedPrompt string, opts SessionStoreOptions, log *zap.Logger) *SessionStore {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	c := cache.New(ttl, cleanup)
	c.OnEvicted(func(key string, _ interface{}) {
		log.Debug("session evicted", zap.String("session_id", key))
	})

	return &SessionStore{
		cache:       c,
		active:      make(map[string]*Session),
		seed:        Message{Role: RoleSystem, Content: seedPrompt},
		maxSessions: opts.MaxSessions,
		log:         log,
	}
}

// GetOrCreate returns the session for key, creating and seeding it on first
// reference. Each access extends the session's idle TTL.
func (s *SessionStore) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(key)
}

func (s *SessionStore) getOrCreateLocked(key string) *Session {
	// a pinned session may have expired from the cache mid-turn
	if sess, ok := s.active[key]; ok {
		sess.touch()
		s.cache.Set(key, sess, cache.DefaultExpiration)
		return sess
	}

	if x, found := s.cache.Get(key); found {
		sess := x.(*Session)
		sess.touch()
		s.cache.Set(key, sess, cache.DefaultExpiration)
		return sess
	}

	if s.maxSessions > 0 && s.cache.ItemCount() >= s.maxSessions {
		s.evictOldest()
	}

	sess := newSession(key, s.seed)
	s.cache.Set(key, sess, cache.DefaultExpiration)
	s.log.Info("new session", zap.String("session_id", key), zap.Int("seed_chars", len(s.seed.Content)))
	return sess
}

// Acquire pins the session for key and waits for its turn lock. Turns on one
// key run one at a time; the session stays live until Release.
func (s *SessionStore) Acquire(ctx context.Context, key string) (*Session, error) {
	s.mu.Lock()
	sess := s.getOrCreateLocked(key)
	sess.pins++
	s.active[key] = sess
	s.mu.Unlock()

	select {
	case sess.turn <- struct{}{}:
		return sess, nil
	case <-ctx.Done():
		s.unpin(sess)
		return nil, ctx.Err()
	}
}

// Release ends the turn started by Acquire.
func (s *SessionStore) Release(sess *Session) {
	<-sess.turn
	s.unpin(sess)
}

func (s *SessionStore) unpin(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.pins--
	if sess.pins == 0 {
		delete(s.active, sess.ID)
	}
	sess.touch()
	s.cache.Set(sess.ID, sess, cache.DefaultExpiration)
}

// Get returns an existing session without creating one.
func (s *SessionStore) Get(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.active[key]; ok {
		return sess, true
	}
	x, found := s.cache.Get(key)
	if !found {
		return nil, false
	}
	return x.(*Session), true
}

// Append adds messages to the session for key, creating it if needed.
func (s *SessionStore) Append(key string, msgs ...Message) {
	s.GetOrCreate(key).append(msgs...)
}

func (s *SessionStore) Count() int {
	return s.cache.ItemCount()
}

// evictOldest must be called with s.mu held.
func (s *SessionStore) evictOldest() {
	s.cache.DeleteExpired()
	if s.cache.ItemCount() < s.maxSessions {
		return
	}

	var oldestKey string
	var oldest int64
	for key, item := range s.cache.Items() {
		sess := item.Object.(*Session)
		if sess.pins > 0 {
			continue
		}
		used := sess.lastUsed.Load()
		if oldestKey == "" || used < oldest {
			oldestKey, oldest = key, used
		}
	}
	if oldestKey == "" {
		s.log.Warn("all sessions busy, exceeding session limit", zap.Int("max_sessions", s.maxSessions))
		return
	}
	s.cache.Delete(oldestKey)
}
