// Package boltstore is a concrete, durable reference implementation of
// the datastore.Store capability backed by go.etcd.io/bbolt. It exists
// so that cmd/shardfsd has something real to run against; the engine
// itself only ever depends on the datastore.Store interface, in
// keeping with spec.md's "concrete datastore implementations are
// external collaborators" boundary.
//
// The bucket-per-concern layout (one top-level bucket per primitive,
// nested buckets per hash/zset key) follows the same shape as
// cuemby-warren's pkg/storage/boltdb.go BoltStore.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/shardfs/shardfs/datastore"
)

var (
	bucketStrings  = []byte("strings")
	bucketHashes   = []byte("hashes")
	bucketZSets    = []byte("zsets")
	bucketCounters = []byte("counters")
	bucketUsers    = []byte("users")
)

// Store implements datastore.Store on top of a single bbolt database
// file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database at path and ensures every
// top-level bucket this store needs exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStrings, bucketHashes, bucketZSets, bucketCounters, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("boltstore: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStrings).Get([]byte(key))
		if v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	if !found {
		return "", datastore.ErrKeyNotFound
	}
	return value, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStrings).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketStrings).Delete([]byte(key)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHashes).DeleteBucket([]byte(key)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if err := tx.Bucket(bucketZSets).DeleteBucket([]byte(key)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return tx.Bucket(bucketCounters).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) Rename(_ context.Context, oldKey, newKey string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		strings := tx.Bucket(bucketStrings)
		if v := strings.Get([]byte(oldKey)); v != nil {
			if err := strings.Put([]byte(newKey), v); err != nil {
				return err
			}
			if err := strings.Delete([]byte(oldKey)); err != nil {
				return err
			}
		}

		hashes := tx.Bucket(bucketHashes)
		if b := hashes.Bucket([]byte(oldKey)); b != nil {
			nb, err := hashes.CreateBucketIfNotExists([]byte(newKey))
			if err != nil {
				return err
			}
			if err := b.ForEach(func(k, v []byte) error {
				return nb.Put(k, v)
			}); err != nil {
				return err
			}
			if err := hashes.DeleteBucket([]byte(oldKey)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	var result int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		var cur int64
		if v := b.Get([]byte(key)); v != nil {
			cur = int64(binary.BigEndian.Uint64(v))
		}
		cur++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(cur))
		if err := b.Put([]byte(key), buf); err != nil {
			return err
		}
		result = cur
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return result, nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStrings).ForEach(func(k, _ []byte) error {
			if ok, _ := path.Match(pattern, string(k)); ok {
				out = append(out, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) HGet(_ context.Context, key, field string) (string, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(field)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	if !found {
		return "", datastore.ErrKeyNotFound
	}
	return value, nil
}

func (s *Store) HSet(_ context.Context, key, field, value string) error {
	return s.HSetMultiple(context.Background(), key, map[string]string{field: value})
}

func (s *Store) HSetMultiple(_ context.Context, key string, fields map[string]string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketHashes).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		for f, v := range fields {
			if err := b.Put([]byte(f), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		for _, f := range fields {
			if err := b.Delete([]byte(f)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return out, nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketZSets).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(score))
		return b.Put([]byte(member), buf)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) ZRem(_ context.Context, key, member string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZSets).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(member))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) sortedMembers(tx *bolt.Tx, key string) []datastore.ScoredMember {
	b := tx.Bucket(bucketZSets).Bucket([]byte(key))
	if b == nil {
		return nil
	}
	var members []datastore.ScoredMember
	_ = b.ForEach(func(k, v []byte) error {
		score := math.Float64frombits(binary.BigEndian.Uint64(v))
		members = append(members, datastore.ScoredMember{Member: string(k), Score: score})
		return nil
	})
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func (s *Store) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]datastore.ScoredMember, error) {
	var result []datastore.ScoredMember
	err := s.db.View(func(tx *bolt.Tx) error {
		members := s.sortedMembers(tx, key)
		n := int64(len(members))
		if n == 0 {
			return nil
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
			return nil
		}
		result = append([]datastore.ScoredMember(nil), members[start:stop+1]...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return result, nil
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, m := range s.sortedMembers(tx, key) {
			if m.Score >= min && m.Score <= max {
				out = append(out, m.Member)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return out, nil
}

func (s *Store) ZScanMatch(_ context.Context, key, pattern string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, m := range s.sortedMembers(tx, key) {
			if ok, _ := path.Match(pattern, m.Member); ok {
				out = append(out, m.Member)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return out, nil
}

func (s *Store) ZScore(_ context.Context, key, member string) (float64, error) {
	var score float64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZSets).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(member))
		if v == nil {
			return nil
		}
		score, found = math.Float64frombits(binary.BigEndian.Uint64(v)), true
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	if !found {
		return 0, datastore.ErrKeyNotFound
	}
	return score, nil
}

func (s *Store) AuthenticateUser(_ context.Context, user, credential string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(user))
		ok = v != nil && string(v) == credential
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return ok, nil
}

// InitUserDirectory seeds only the namespace's fileid counter (to 1)
// if it is absent. It writes no root metadata, path↔id map entries or
// node-index entry; metadata.InitRoot writes those.
func (s *Store) InitUserDirectory(_ context.Context, namespace string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		key := []byte("{" + namespace + "}:/" + namespace + "_next_fileid")
		if b.Get(key) == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, 1)
			return b.Put(key, buf)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", datastore.ErrOperationFailed, err)
	}
	return nil
}
