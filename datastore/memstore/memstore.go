// Package memstore is an in-memory datastore.Store implementation used
// by this module's own tests. It is not a production backend — it
// exists the way rclone's various fstest in-memory fixtures exist: to
// let the engine's tests run without a real ordered-set/hash store
// wired up.
package memstore

import (
	"context"
	"path"
	"sort"
	"sync"

	"github.com/shardfs/shardfs/datastore"
)

// Store is a mutex-guarded in-memory implementation of datastore.Store.
type Store struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	counter map[string]int64
	users   map[string]string
}

// New returns an empty Store ready for use.
func New() *Store {
	return &Store{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		counter: make(map[string]int64),
		users:   make(map[string]string),
	}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings[key]
	if !ok {
		return "", datastore.ErrKeyNotFound
	}
	return v, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.counter, key)
	return nil
}

func (s *Store) Rename(_ context.Context, oldKey, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.strings[oldKey]; ok {
		s.strings[newKey] = v
		delete(s.strings, oldKey)
	}
	if v, ok := s.hashes[oldKey]; ok {
		s.hashes[newKey] = v
		delete(s.hashes, oldKey)
	}
	if v, ok := s.zsets[oldKey]; ok {
		s.zsets[newKey] = v
		delete(s.zsets, oldKey)
	}
	return nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter[key]++
	return s.counter[key], nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.strings {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", datastore.ErrKeyNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", datastore.ErrKeyNotFound
	}
	return v, nil
}

func (s *Store) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *Store) HSetMultiple(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z, ok := s.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

func (s *Store) sortedMembers(key string) []datastore.ScoredMember {
	z := s.zsets[key]
	members := make([]datastore.ScoredMember, 0, len(z))
	for m, sc := range z {
		members = append(members, datastore.ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func (s *Store) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]datastore.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	n := int64(len(members))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return append([]datastore.ScoredMember(nil), members[start:stop+1]...), nil
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sortedMembers(key) {
		if m.Score >= min && m.Score <= max {
			out = append(out, m.Member)
		}
	}
	return out, nil
}

func (s *Store) ZScanMatch(_ context.Context, key, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sortedMembers(key) {
		if ok, _ := path.Match(pattern, m.Member); ok {
			out = append(out, m.Member)
		}
	}
	return out, nil
}

func (s *Store) ZScore(_ context.Context, key, member string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, datastore.ErrKeyNotFound
	}
	sc, ok := z[member]
	if !ok {
		return 0, datastore.ErrKeyNotFound
	}
	return sc, nil
}

func (s *Store) AuthenticateUser(_ context.Context, user, credential string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.users[user]
	if !ok {
		return false, nil
	}
	return want == credential, nil
}

// SetUserCredential is a test helper to seed AuthenticateUser's
// expected credential; no equivalent exists on a real deployment where
// credentials live in the datastore's own auth subsystem.
func (s *Store) SetUserCredential(user, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = credential
}

// InitUserDirectory seeds only the namespace's fileid counter (to 1)
// if it is absent. It writes no root metadata, path↔id map entries or
// node-index entry; metadata.InitRoot writes those.
func (s *Store) InitUserDirectory(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "{" + namespace + "}:/" + namespace + "_next_fileid"
	if _, ok := s.counter[key]; !ok {
		s.counter[key] = 1
	}
	return nil
}
