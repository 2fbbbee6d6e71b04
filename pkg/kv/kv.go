// Package kv is the process-wide key-value table for runtime configuration
// (host name, advertise address, registry host, syslog URLs): reads go
// through a cached getter, writes notify subscribers. It replaces a
// hand-edited YAML config for anything mutable at runtime, since this is
// a headless daemon with no dotfile to edit.
package kv

import (
	"context"
	"sync"

	"github.com/discodeploy/disco/pkg/store"
)

const (
	KeyDiscoHost  = "DISCO_HOST"
	KeyDiscoIP    = "DISCO_IP"
	KeyRegistry   = "REGISTRY"
	KeySyslogURLs = "SYSLOG_URLS"
)

type Subscriber func(key, value string)

type Store struct {
	db *store.DB

	mu          sync.RWMutex
	cache       map[string]string
	subscribers []Subscriber
}

func New(db *store.DB) *Store {
	return &Store{db: db, cache: map[string]string{}}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	v, found, err := s.db.GetKeyValue(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	s.mu.Lock()
	s.cache[key] = v
	s.mu.Unlock()
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.db.SetKeyValue(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[key] = value
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(key, value)
	}
	return nil
}

// Subscribe registers a callback invoked after every successful Set; the
// runtime uses it to reconcile the log forwarder when SYSLOG_URLS changes.
// The daemon's CORS allowed-origin list is read once at startup and is not
// refreshed by KV writes.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}
