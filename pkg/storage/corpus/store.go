package corpus

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/gemesa/bindiff/pkg/graph"
)

// Key prefixes simulate logical buckets in Pebble's flat key space.
// Keep these short to minimize storage overhead per key.
var (
	prefixCallGraph = []byte("cg:")   // cg:binary -> gob CallGraph
	prefixFlowGraph = []byte("fg:")   // fg:binary:addr16 -> gob FlowGraph
	prefixMeta      = []byte("meta:") // meta:key -> value
)

const (
	// CurrentSchemaVersion enforces binary compatibility.
	// Increment this only if the gob struct shapes change.
	CurrentSchemaVersion = 1

	// BatchSizeLimitBytes limits the memory usage of a batch before commit (10MB).
	BatchSizeLimitBytes = 10 * 1024 * 1024
)

// Store is the Pebble-backed corpus of exported graphs. Exporters write one
// binary at a time; diff sessions read many flow graphs concurrently, which
// Pebble's immutable snapshots handle without extra locking on our side.
type Store struct {
	db *pebble.DB
}

// Options configures the corpus store initialization.
type Options struct {
	ReadOnly  bool
	CacheSize int64
}

// DefaultOptions returns sensible defaults for a standard deployment.
func DefaultOptions() Options {
	return Options{
		ReadOnly:  false,
		CacheSize: 8 << 20, // 8MB cache
	}
}

// Open opens or creates a Pebble backed graph corpus. It includes retry
// logic to handle transient file locks common in containerized environments.
func Open(dbPath string, opts Options) (*Store, error) {
	// Path sanitization: refuse to initialize in sensitive system roots,
	// which captures cases where a misconfigured env var points the corpus
	// at /etc or /root.
	absPath, err := filepath.EvalSymlinks(dbPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to resolve absolute path for corpus: %w", err)
		}
		absPath, _ = filepath.Abs(dbPath)
	}
	if runtime.GOOS == "linux" {
		sensitivePrefixes := []string{"/etc", "/root", "/usr", "/bin", "/sbin", "/boot"}
		for _, sp := range sensitivePrefixes {
			if strings.HasPrefix(absPath, sp) {
				return nil, fmt.Errorf("security violation: refusing to initialize corpus in system directory %q", absPath)
			}
		}
	}

	if opts.CacheSize == 0 {
		opts.CacheSize = 8 << 20
	}
	if opts.ReadOnly {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("corpus does not exist: %s", dbPath)
		}
	}

	pebbleOpts := &pebble.Options{
		Cache: pebble.NewCache(opts.CacheSize),
	}
	if opts.ReadOnly {
		pebbleOpts.ReadOnly = true
	}

	// Automated pipelines and rapid restarts often leave the lock file held
	// for a few milliseconds, so opening retries with backoff.
	var db *pebble.DB
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		db, err = pebble.Open(dbPath, pebbleOpts)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "lock") || strings.Contains(err.Error(), "temporarily unavailable") {
			time.Sleep(100 * time.Millisecond * time.Duration(1<<i))
			continue
		}
		return nil, fmt.Errorf("failed to open corpus %q: %w", dbPath, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire corpus lock for %q after %d attempts: %w", dbPath, maxRetries, err)
	}

	s := &Store{db: db}

	// Schema version check: prevents a newer binary from corrupting an
	// older corpus format, or an older binary from misreading a newer one.
	if verStr, err := s.GetMetadata("schema_version"); err == nil && verStr != "" {
		var ver int
		if _, scanErr := fmt.Sscanf(verStr, "%d", &ver); scanErr == nil && ver > CurrentSchemaVersion {
			db.Close()
			return nil, fmt.Errorf("corpus schema version %d is newer than supported version %d; please upgrade bindiff", ver, CurrentSchemaVersion)
		}
	} else if !opts.ReadOnly {
		if err := s.SetMetadata("schema_version", fmt.Sprintf("%d", CurrentSchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize corpus metadata: %w", err)
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// -- Key construction --

func callGraphKey(binary string) []byte {
	return append(append([]byte(nil), prefixCallGraph...), []byte(binary)...)
}

// flowGraphKey zero-pads the address to 16 hex digits so lexical key order
// equals numeric address order within one binary's bucket.
func flowGraphKey(binary string, addr uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", prefixFlowGraph, binary, addr))
}

func flowGraphPrefix(binary string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFlowGraph, binary))
}

func metaKey(key string) []byte {
	return append(append([]byte(nil), prefixMeta...), []byte(key)...)
}

// validBinaryName rejects names that would corrupt the key layout.
func validBinaryName(binary string) error {
	if binary == "" {
		return fmt.Errorf("empty binary name")
	}
	if strings.ContainsAny(binary, ":\x00") {
		return fmt.Errorf("binary name %q contains reserved characters", binary)
	}
	return nil
}

func incrementLastByte(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	result := make([]byte, len(prefix))
	copy(result, prefix)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xff {
			result[i]++
			return result
		}
		result[i] = 0
	}
	// An all-0xFF prefix has no upper bound; callers must check for nil to
	// avoid scanning the entire subsequent keyspace.
	return nil
}

// -- Encoding --

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty record")
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// -- Write path --

// SaveBinary replaces the stored export of cg.Binary with the given graphs.
// Old flow-graph keys are range-deleted in the same batch, so re-exporting a
// shrunken binary leaves no stale functions behind. Commits are chunked when
// a very large binary would otherwise grow the batch unboundedly; readers on
// a snapshot never observe the intermediate state.
func (s *Store) SaveBinary(cg *graph.CallGraph, flowGraphs []*graph.FlowGraph) error {
	if cg == nil {
		return fmt.Errorf("nil call graph")
	}
	if err := validBinaryName(cg.Binary); err != nil {
		return err
	}

	cg.SortFunctions()
	cgData, err := encodeGob(cg)
	if err != nil {
		return fmt.Errorf("encode call graph %q: %w", cg.Binary, err)
	}

	batch := s.db.NewBatch()
	defer func() {
		if batch != nil {
			batch.Close()
		}
	}()

	commitBatch := func() error {
		if err := batch.Commit(pebble.Sync); err != nil {
			batch.Close()
			batch = nil
			return err
		}
		batch.Close()
		batch = s.db.NewBatch()
		return nil
	}

	fgPrefix := flowGraphPrefix(cg.Binary)
	fgEnd := incrementLastByte(fgPrefix)
	if fgEnd == nil {
		return fmt.Errorf("unable to calculate range end for prefix %x", fgPrefix)
	}
	if err := batch.DeleteRange(fgPrefix, fgEnd, nil); err != nil {
		return fmt.Errorf("clear previous export of %q: %w", cg.Binary, err)
	}

	if err := batch.Set(callGraphKey(cg.Binary), cgData, pebble.Sync); err != nil {
		return fmt.Errorf("store call graph %q: %w", cg.Binary, err)
	}

	for _, fg := range flowGraphs {
		data, err := encodeGob(fg)
		if err != nil {
			return fmt.Errorf("encode flow graph %q/%#x: %w", cg.Binary, fg.Addr, err)
		}
		if err := batch.Set(flowGraphKey(cg.Binary, fg.Addr), data, pebble.Sync); err != nil {
			return fmt.Errorf("store flow graph %q/%#x: %w", cg.Binary, fg.Addr, err)
		}
		if batch.Len() > BatchSizeLimitBytes {
			if err := commitBatch(); err != nil {
				return fmt.Errorf("commit export chunk for %q: %w", cg.Binary, err)
			}
		}
	}

	if err := batch.Set(metaKey("last_export"), []byte(time.Now().Format(time.RFC3339Nano)), pebble.Sync); err != nil {
		return fmt.Errorf("touch corpus metadata: %w", err)
	}

	err = batch.Commit(pebble.Sync)
	batch.Close()
	batch = nil
	return err
}

// DeleteBinary removes a binary's call graph and all its flow graphs.
func (s *Store) DeleteBinary(binary string) error {
	if err := validBinaryName(binary); err != nil {
		return err
	}
	fgPrefix := flowGraphPrefix(binary)
	fgEnd := incrementLastByte(fgPrefix)
	if fgEnd == nil {
		return fmt.Errorf("unable to calculate range end for prefix %x", fgPrefix)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(callGraphKey(binary), pebble.Sync); err != nil {
		return fmt.Errorf("delete call graph %q: %w", binary, err)
	}
	if err := batch.DeleteRange(fgPrefix, fgEnd, nil); err != nil {
		return fmt.Errorf("delete flow graphs of %q: %w", binary, err)
	}
	return batch.Commit(pebble.Sync)
}

// -- Read path --

// ListBinaries returns the names of all exported binaries in key order.
func (s *Store) ListBinaries() ([]string, error) {
	upper := incrementLastByte(prefixCallGraph)
	if upper == nil {
		return nil, fmt.Errorf("scan range overflow for call graph prefix")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixCallGraph,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("corpus iterator creation failed: %w", err)
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefixCallGraph) {
			break
		}
		key := iter.Key()
		if len(key) > len(prefixCallGraph) {
			names = append(names, string(key[len(prefixCallGraph):]))
		}
	}
	return names, nil
}

// LoadCallGraph reads the function summaries of one binary.
func (s *Store) LoadCallGraph(binary string) (*graph.CallGraph, error) {
	if err := validBinaryName(binary); err != nil {
		return nil, err
	}
	data, closer, err := s.db.Get(callGraphKey(binary))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, fmt.Errorf("binary %q not found in corpus", binary)
		}
		return nil, fmt.Errorf("read call graph %q: %w", binary, err)
	}
	defer closer.Close()

	cg := &graph.CallGraph{}
	if err := decodeGob(data, cg); err != nil {
		return nil, fmt.Errorf("decode call graph %q: %w", binary, err)
	}
	return cg, nil
}

// LoadFlowGraph reads and seals one function's flow graph. Gob only carries
// the exported topology fields; Seal rebuilds every derived feature.
func (s *Store) LoadFlowGraph(binary string, addr uint64) (*graph.FlowGraph, error) {
	if err := validBinaryName(binary); err != nil {
		return nil, err
	}
	data, closer, err := s.db.Get(flowGraphKey(binary, addr))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, fmt.Errorf("function %#x of %q not found in corpus", addr, binary)
		}
		return nil, fmt.Errorf("read flow graph %q/%#x: %w", binary, addr, err)
	}
	defer closer.Close()

	fg := &graph.FlowGraph{}
	if err := decodeGob(data, fg); err != nil {
		return nil, fmt.Errorf("decode flow graph %q/%#x: %w", binary, addr, err)
	}
	if err := fg.Seal(); err != nil {
		return nil, fmt.Errorf("seal flow graph %q/%#x: %w", binary, addr, err)
	}
	return fg, nil
}

// LoadFlowGraphs reads all flow graphs of one binary from a consistent
// snapshot, in address order.
func (s *Store) LoadFlowGraphs(binary string) ([]*graph.FlowGraph, error) {
	if err := validBinaryName(binary); err != nil {
		return nil, err
	}
	fgPrefix := flowGraphPrefix(binary)
	upper := incrementLastByte(fgPrefix)
	if upper == nil {
		return nil, fmt.Errorf("scan range overflow for prefix %x", fgPrefix)
	}

	snap := s.db.NewSnapshot()
	defer snap.Close()

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: fgPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("corpus iterator creation failed: %w", err)
	}
	defer iter.Close()

	var graphs []*graph.FlowGraph
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), fgPrefix) {
			break
		}
		fg := &graph.FlowGraph{}
		if err := decodeGob(iter.Value(), fg); err != nil {
			return nil, fmt.Errorf("corrupt flow graph at key %q: %w", iter.Key(), err)
		}
		if err := fg.Seal(); err != nil {
			return nil, fmt.Errorf("seal flow graph at key %q: %w", iter.Key(), err)
		}
		graphs = append(graphs, fg)
	}
	return graphs, nil
}

// -- Metadata --

func (s *Store) SetMetadata(key, value string) error {
	return s.db.Set(metaKey(key), []byte(value), pebble.Sync)
}

func (s *Store) GetMetadata(key string) (string, error) {
	data, closer, err := s.db.Get(metaKey(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", fmt.Errorf("metadata key %q not found", key)
		}
		return "", fmt.Errorf("read metadata %q: %w", key, err)
	}
	defer closer.Close()
	return string(data), nil
}

// -- Stats --

type Stats struct {
	Binaries      int
	FlowGraphs    int
	DiskSpaceUsed int64
}

func (s *Store) Stats() (*Stats, error) {
	countPrefix := func(prefix []byte) (int, error) {
		upper := incrementLastByte(prefix)
		if upper == nil {
			return 0, fmt.Errorf("scan range overflow for prefix %x", prefix)
		}
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: upper,
		})
		if err != nil {
			return 0, fmt.Errorf("corpus iterator creation failed: %w", err)
		}
		defer iter.Close()

		c := 0
		for iter.First(); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), prefix) {
				break
			}
			c++
		}
		return c, nil
	}

	stats := &Stats{}
	var err error
	if stats.Binaries, err = countPrefix(prefixCallGraph); err != nil {
		return nil, err
	}
	if stats.FlowGraphs, err = countPrefix(prefixFlowGraph); err != nil {
		return nil, err
	}
	metrics := s.db.Metrics()
	stats.DiskSpaceUsed = int64(metrics.DiskSpaceUsage())
	return stats, nil
}

// Compact reclaims space after large deletions.
func (s *Store) Compact() error {
	return s.db.Compact(nil, []byte{0xff}, true)
}
