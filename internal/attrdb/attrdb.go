// Package attrdb implements external.AttributeDB against Postgres via
// pgx: interning a BGP attribute set into a stable AttrObject handle
// whose Seq gives the core a total order without ever comparing raw
// pointers. Interned payloads are stored zstd-compressed, mirroring
// how the teacher pipeline compresses persisted raw message bytes.
package attrdb

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/metrics"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
)

// DB interns external.AttrKey values against the attr_objects table,
// caching the result in memory so a process-lifetime-stable pointer is
// returned for repeated lookups of the same key.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	enc *zstd.Encoder

	mu    sync.RWMutex
	cache map[string]*ribout.AttrObject
}

// New returns a DB backed by pool. logger receives warnings for
// degraded (uninterned) lookups; it must not be nil.
func New(pool *pgxpool.Pool, logger *zap.Logger) (*DB, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("attrdb: creating zstd encoder: %w", err)
	}
	return &DB{
		pool:   pool,
		logger: logger,
		enc:    enc,
		cache:  make(map[string]*ribout.AttrObject),
	}, nil
}

func canonical(key external.AttrKey) []byte {
	comms := append([]string(nil), key.Communities...)
	sort.Strings(comms)
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%d|%s|%s", key.RouteDistinguisher, key.LocalPref, key.MED, key.ASPath, strings.Join(comms, ","))
	return []byte(b.String())
}

func fingerprint(payload []byte) [32]byte { return sha256.Sum256(payload) }

// Locate satisfies external.AttributeDB.
func (d *DB) Locate(ctx context.Context, key external.AttrKey) (*ribout.AttrObject, error) {
	payload := canonical(key)
	fp := fingerprint(payload)
	fpHex := fmt.Sprintf("%x", fp)

	d.mu.RLock()
	if obj, ok := d.cache[fpHex]; ok {
		d.mu.RUnlock()
		metrics.AttrInternTotal.WithLabelValues("hit").Inc()
		return obj, nil
	}
	d.mu.RUnlock()

	compressed := d.enc.EncodeAll(payload, nil)

	const upsert = `
INSERT INTO attr_objects (fingerprint, payload)
VALUES ($1, $2)
ON CONFLICT (fingerprint) DO UPDATE SET fingerprint = EXCLUDED.fingerprint
RETURNING seq`

	var seq uint64
	if err := d.pool.QueryRow(ctx, upsert, fp[:], compressed).Scan(&seq); err != nil {
		metrics.AttrInternTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("attrdb: interning attribute set: %w", err)
	}

	obj := &ribout.AttrObject{Seq: seq, Payload: key}

	d.mu.Lock()
	if existing, ok := d.cache[fpHex]; ok {
		d.mu.Unlock()
		metrics.AttrInternTotal.WithLabelValues("miss").Inc()
		return existing, nil
	}
	d.cache[fpHex] = obj
	d.mu.Unlock()
	metrics.AttrInternTotal.WithLabelValues("miss").Inc()
	return obj, nil
}

// LocateSync is the same lookup used directly by synchronous callers
// (internal/policy's default export policy) that can't propagate an
// error onto the producer path — spec §7 requires C9 never fail.
// On a database error it logs and falls back to an ephemeral,
// uninterned AttrObject (Seq 0), which only degrades total ordering
// between distinct attribute sets, never correctness of delivery.
func (d *DB) LocateSync(key external.AttrKey) *ribout.AttrObject {
	obj, err := d.Locate(context.Background(), key)
	if err != nil {
		d.logger.Warn("attrdb: falling back to uninterned attribute object", zap.Error(err))
		return &ribout.AttrObject{Payload: key}
	}
	return obj
}

// Warm preloads every previously interned attribute set into the
// in-memory cache, e.g. at process startup so LocateSync doesn't
// round-trip to Postgres for attribute sets already seen before a
// restart.
func (d *DB) Warm(ctx context.Context) error {
	rows, err := d.pool.Query(ctx, "SELECT fingerprint, seq FROM attr_objects")
	if err != nil {
		return fmt.Errorf("attrdb: warming cache: %w", err)
	}
	defer rows.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	for rows.Next() {
		var fp []byte
		var seq uint64
		if err := rows.Scan(&fp, &seq); err != nil {
			return fmt.Errorf("attrdb: scanning cached attribute row: %w", err)
		}
		fpHex := fmt.Sprintf("%x", fp)
		if _, ok := d.cache[fpHex]; !ok {
			d.cache[fpHex] = &ribout.AttrObject{Seq: seq}
		}
	}
	return rows.Err()
}
