package memory

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/meshtask/meshd/internal/embedder"
	"github.com/meshtask/meshd/internal/errs"
)

// Domain tags whether a record is private to this node or replicated.
type Domain string

const (
	Private Domain = "private"
	Public  Domain = "public"
)

// VectorClock maps node id to a monotonic counter, per spec.md's glossary.
type VectorClock map[string]uint64

// Dominates reports whether c dominates other: every component of c is >=
// the matching component of other, and at least one is strictly greater
// (or c has a component other lacks). Two clocks are concurrent iff
// neither dominates the other, per spec.md §4.3.
func (c VectorClock) Dominates(other VectorClock) bool {
	strictlyGreater := false
	for node, v := range other {
		if c[node] < v {
			return false
		}
		if c[node] > v {
			strictlyGreater = true
		}
	}
	for node, v := range c {
		if _, ok := other[node]; !ok && v > 0 {
			strictlyGreater = true
		}
	}
	return strictlyGreater
}

// Concurrent reports whether a and b are conflicting versions: neither
// dominates the other.
func Concurrent(a, b VectorClock) bool {
	return !a.Dominates(b) && !b.Dominates(a) && !equalClocks(a, b)
}

func equalClocks(a, b VectorClock) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Record is one stored value, per spec.md §3's MemoryRecord.
type Record struct {
	Key       string
	Value     []byte
	Domain    Domain
	Category  string
	OwnerNode string
	Clock     VectorClock
	CreatedAt time.Time
	UpdatedAt time.Time
	Encrypted bool
}

var (
	bucketRecords = []byte("records")
	bucketPending = []byte("pending_sync")
	bucketIndex   = []byte("semantic_index")
)

// Store is the bbolt-backed memory store.
type Store struct {
	db       *bbolt.DB
	nodeID   string
	aeadKey  [chacha20poly1305.KeySize]byte
	embedder embedder.Embedder
}

// Open opens (creating if absent) the memory store at path.
func Open(path, nodeID string, aeadKey [chacha20poly1305.KeySize]byte, emb embedder.Embedder) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open memory store: %s", errs.ErrStorage, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketPending, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to initialize memory store buckets: %s", errs.ErrStorage, err)
	}
	return &Store{db: db, nodeID: nodeID, aeadKey: aeadKey, embedder: emb}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set writes a record. Public writes increment the local node's vector
// clock component for key; private records carry no vector clock and are
// always stored encrypted, per spec.md §4.3.
func (s *Store) Set(ctx context.Context, key string, value []byte, domain Domain, category string) (Record, error) {
	now := time.Now()
	rec := Record{
		Key: key, Domain: domain, Category: category, OwnerNode: s.nodeID,
		CreatedAt: now, UpdatedAt: now,
	}

	switch domain {
	case Private:
		sealed, err := s.encrypt(value)
		if err != nil {
			return Record{}, fmt.Errorf("%w: failed to encrypt private record %s: %s", errs.ErrInternal, key, err)
		}
		rec.Value = sealed
		rec.Encrypted = true
	case Public:
		existing, err := s.get(key)
		clock := VectorClock{}
		if err == nil {
			clock = existing.Clock
		}
		clock[s.nodeID] = clock[s.nodeID] + 1
		rec.Clock = clock
		rec.Value = value
		rec.Encrypted = false
	default:
		return Record{}, fmt.Errorf("%w: unknown memory domain %q", errs.ErrInvalidInput, domain)
	}

	if err := s.put(rec); err != nil {
		return Record{}, err
	}
	if domain == Public {
		if err := s.markPending(key); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Get reads a record by key, decrypting private values transparently.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	rec, err := s.get(key)
	if err != nil {
		return Record{}, err
	}
	if rec.Encrypted {
		plain, err := s.decrypt(rec.Value)
		if err != nil {
			return Record{}, fmt.Errorf("%w: failed to decrypt record %s: %s", errs.ErrInternal, key, err)
		}
		rec.Value = plain
	}
	return rec, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(key))
	})
}

// List returns every record in the given domain, or every record if domain
// is empty.
func (s *Store) List(ctx context.Context, domain Domain) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if domain == "" || rec.Domain == domain {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list records: %s", errs.ErrStorage, err)
	}
	return out, nil
}

// ExportPublic returns every public record updated at or after since, for
// federation replication.
func (s *Store) ExportPublic(ctx context.Context, since time.Time) ([]Record, error) {
	all, err := s.List(ctx, Public)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if !r.UpdatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkSynced removes key from the pending-sync queue after a successful
// federation export.
func (s *Store) MarkSynced(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(key))
	})
}

// PendingSync returns every key with an outstanding public write not yet
// exported.
func (s *Store) PendingSync(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// IndexedValue is a record's stored embedding, used for semantic_search.
type IndexedValue struct {
	Key      string
	Text     string
	Vector   []float32
	Category string
}

// IndexSemantic embeds value's text and stores it for later
// semantic_search, per spec.md §4.3.
func (s *Store) IndexSemantic(ctx context.Context, key, text, category string) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: failed to embed %s: %s", errs.ErrInternal, key, err)
	}
	iv := IndexedValue{Key: key, Text: text, Vector: vec, Category: category}
	body, err := json.Marshal(iv)
	if err != nil {
		return fmt.Errorf("%w: failed to encode index entry %s: %s", errs.ErrInternal, key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).Put([]byte(key), body)
	})
}

// SemanticMatch is one semantic_search result.
type SemanticMatch struct {
	Key        string
	Similarity float64
}

// SemanticSearch embeds query and returns every indexed entry with
// similarity >= threshold, ordered best-first, bounded to k results.
func (s *Store) SemanticSearch(ctx context.Context, query string, k int, threshold float64) ([]SemanticMatch, error) {
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %s", errs.ErrInternal, err)
	}

	var matches []SemanticMatch
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(_, v []byte) error {
			var iv IndexedValue
			if err := json.Unmarshal(v, &iv); err != nil {
				return err
			}
			sim := embedder.CosineSimilarity(qv, iv.Vector)
			if sim >= threshold {
				matches = append(matches, SemanticMatch{Key: iv.Key, Similarity: sim})
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: semantic search failed: %s", errs.ErrStorage, err)
	}

	sortMatchesDesc(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func sortMatchesDesc(m []SemanticMatch) {
	for i := 1; i < len(m); i++ {
		for j := i; j > 0 && m[j].Similarity > m[j-1].Similarity; j-- {
			m[j], m[j-1] = m[j-1], m[j]
		}
	}
}

func (s *Store) get(key string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		body := tx.Bucket(bucketRecords).Get([]byte(key))
		if body == nil {
			return errs.ErrNotFound
		}
		return json.Unmarshal(body, &rec)
	})
	if err != nil {
		if err == errs.ErrNotFound {
			return Record{}, fmt.Errorf("%w: memory key %s", errs.ErrNotFound, key)
		}
		return Record{}, fmt.Errorf("%w: failed to read memory key %s: %s", errs.ErrStorage, key, err)
	}
	return rec, nil
}

func (s *Store) put(rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: failed to encode record %s: %s", errs.ErrInternal, rec.Key, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(rec.Key), body)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to write record %s: %s", errs.ErrStorage, rec.Key, err)
	}
	return nil
}

func (s *Store) markPending(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(key), []byte{1})
	})
}

// encrypt seals plaintext with this node's AEAD key, prefixing the nonce.
// The key is used as given: it is the random per-node key keystore.Resolve
// persists, and the node id is not mixed into it here or there.
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.aeadKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.aeadKey[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
