package btree

import (
	"bytes"
	"fmt"

	"btkv/internal/storage/pagepool"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// DB is a single-file key/value store indexed by a B-tree. Keys are at
// most KeySize bytes (NUL-padded on disk), values must fit one data
// page. A DB is exclusively owned by its caller; there is no internal
// locking.
type DB struct {
	pool *pagepool.Pool
	log  logr.Logger

	maxKeys  int
	rootPage uint64

	reads  uint64
	writes uint64
	closed bool
}

// Stats reports node-page reads and writes since the handle was opened.
// Data-page I/O is not counted.
type Stats struct {
	Reads  uint64
	Writes uint64
}

type Option func(*config)

type config struct {
	maxKeys  int
	pageSize uint64
	log      logr.Logger
}

// WithMaxKeys overrides the node capacity K. K must be odd and the
// node must fit one page; Create rejects anything else.
func WithMaxKeys(k int) Option {
	return func(c *config) { c.maxKeys = k }
}

// WithPageSize overrides the page size used by Create.
func WithPageSize(size uint64) Option {
	return func(c *config) { c.pageSize = size }
}

// WithLogger attaches a logger. The zero logr.Logger discards.
func WithLogger(log logr.Logger) Option {
	return func(c *config) { c.log = log }
}

// Create creates a database file at path with totalBytes preallocated,
// initializes the page pool, and allocates an empty leaf root.
func Create(fs afero.Fs, path string, totalBytes uint64, opts ...Option) (*DB, error) {
	cfg := config{maxKeys: DefaultMaxKeys, pageSize: pagepool.DefaultPageSize}
	for _, o := range opts {
		o(&cfg)
	}
	if err := checkGeometry(cfg.maxKeys, cfg.pageSize); err != nil {
		return nil, err
	}

	pool, err := pagepool.Create(fs, path, totalBytes,
		pagepool.WithPageSize(cfg.pageSize), pagepool.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}

	db := &DB{pool: pool, log: cfg.log, maxKeys: cfg.maxKeys}

	rootPage, err := pool.Alloc()
	if err != nil {
		pool.Close()
		return nil, err
	}
	root := newNode(db.maxKeys, true, rootPage, 0)
	if err := db.writeNode(root); err != nil {
		pool.Close()
		return nil, err
	}
	if err := pool.SetRoot(rootPage); err != nil {
		pool.Close()
		return nil, err
	}
	db.rootPage = rootPage

	db.log.V(1).Info("database created", "path", path, "root", rootPage, "maxKeys", db.maxKeys)
	return db, nil
}

// Open reopens an existing database file. The node capacity must match
// the one the file was created with.
func Open(fs afero.Fs, path string, opts ...Option) (*DB, error) {
	cfg := config{maxKeys: DefaultMaxKeys}
	for _, o := range opts {
		o(&cfg)
	}

	pool, err := pagepool.Open(fs, path, pagepool.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	if err := checkGeometry(cfg.maxKeys, pool.PageSize()); err != nil {
		pool.Close()
		return nil, err
	}

	db := &DB{pool: pool, log: cfg.log, maxKeys: cfg.maxKeys, rootPage: pool.Root()}
	if db.rootPage == 0 {
		pool.Close()
		return nil, fmt.Errorf("%w: meta page has no root", ErrCorrupt)
	}
	return db, nil
}

func checkGeometry(maxKeys int, pageSize uint64) error {
	if maxKeys < 3 || maxKeys%2 == 0 {
		return fmt.Errorf("btree: node capacity %d must be odd and at least 3", maxKeys)
	}
	if uint64(nodeSize(maxKeys)) > pageSize {
		return fmt.Errorf("btree: node capacity %d does not fit a %d-byte page", maxKeys, pageSize)
	}
	return nil
}

// Close releases the pool and the backing file.
func (db *DB) Close() error {
	if db.closed {
		return ErrClosed
	}
	db.closed = true
	return db.pool.Close()
}

// Stats returns page read/write counters for this handle.
func (db *DB) Stats() Stats {
	return Stats{Reads: db.reads, Writes: db.writes}
}

// minKeys is the minimum occupancy of a non-root node.
func (db *DB) minKeys() int {
	return db.maxKeys / 2
}

func (db *DB) full(n *node) bool {
	return n.nKeys == db.maxKeys
}

// padKey validates a caller key and NUL-pads it to KeySize.
func padKey(key []byte) ([]byte, error) {
	if len(key) > KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return k, nil
}

func (db *DB) readNode(page uint64) (*node, error) {
	buf, err := db.pool.ReadPage(page)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(buf, db.maxKeys)
	if err != nil {
		return nil, err
	}
	db.reads++
	return n, nil
}

func (db *DB) writeNode(n *node) error {
	buf := make([]byte, db.pool.PageSize())
	encodeNode(buf, n, db.maxKeys)
	if err := db.pool.WritePage(n.page, buf); err != nil {
		return err
	}
	db.writes++
	return nil
}

// findPos returns the smallest index with keys[pos] >= key, and whether
// the key at that index is an exact match.
func findPos(n *node, key []byte) (pos int, eq bool) {
	for pos < n.nKeys {
		cmp := bytes.Compare(n.keys[pos], key)
		if cmp >= 0 {
			return pos, cmp == 0
		}
		pos++
	}
	return pos, false
}

// Search looks a key up and returns its value. ok is false when the key
// is absent.
func (db *DB) Search(key []byte) (val []byte, ok bool, err error) {
	if db.closed {
		return nil, false, ErrClosed
	}
	k, err := padKey(key)
	if err != nil {
		return nil, false, err
	}

	page := db.rootPage
	for {
		n, err := db.readNode(page)
		if err != nil {
			return nil, false, err
		}
		pos, eq := findPos(n, k)
		if eq {
			val, err := db.pool.ReadData(n.vals[pos])
			if err != nil {
				return nil, false, err
			}
			return val, true, nil
		}
		if n.leaf() {
			return nil, false, nil
		}
		page = n.chld[pos]
		if page == 0 {
			return nil, false, fmt.Errorf("%w: nil child at node %d index %d", ErrCorrupt, n.page, pos)
		}
	}
}
