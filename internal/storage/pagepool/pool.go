package pagepool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

const (
	DefaultPageSize = 4096

	metaMagic = "BTKV1" // 5 bytes

	dataHeaderSize = 16 // dataSize (uint64) + nextPage (uint64)
)

var (
	ErrOutOfSpace    = errors.New("pagepool: no free pages")
	ErrCorrupt       = errors.New("pagepool: corrupt pool state")
	ErrValueTooLarge = errors.New("pagepool: value does not fit in one data page")
	ErrClosed        = errors.New("pagepool: pool is closed")
)

// Meta page layout (page 0, on disk):
//
// offset  size  field
// 0       5     magic "BTKV1"
// 5       3     reserved
// 8       8     pageSize (uint64)
// 16      8     nPages (uint64)
// 24      8     rootPage (uint64)
//
// The rest of page 0 is zero. Page 0 doubles as the reason page number 0
// can mean "nil" everywhere else.
//
// Bitmap pages follow at page 1. Bit i is 1 iff page i is allocated; bit
// order within a byte is least-significant-first.

// Pool owns the backing file, the page geometry, and the free-space
// bitmap. Every bitmap mutation is flushed to disk before the call
// returns.
type Pool struct {
	fs  afero.Fs
	f   afero.File
	log logr.Logger

	pageSize uint64
	nPages   uint64
	bm       bitmap
	root     uint64
	closed   bool
}

type Option func(*config)

type config struct {
	pageSize uint64
	log      logr.Logger
}

// WithPageSize overrides the page size used by Create. Open ignores it
// and trusts the meta page.
func WithPageSize(size uint64) Option {
	return func(c *config) { c.pageSize = size }
}

// WithLogger attaches a logger. The zero logr.Logger discards.
func WithLogger(log logr.Logger) Option {
	return func(c *config) { c.log = log }
}

// bitmapPages returns B, the number of pages the bitmap occupies.
func bitmapPages(nPages, pageSize uint64) uint64 {
	bitsPerPage := pageSize * 8
	return (nPages + bitsPerPage - 1) / bitsPerPage
}

// Create creates (or truncates) the file at path, preallocates
// totalBytes, and initializes the meta page and the bitmap. Pages 0..B
// (the meta page and all bitmap pages) come out marked allocated.
func Create(fs afero.Fs, path string, totalBytes uint64, opts ...Option) (*Pool, error) {
	cfg := config{pageSize: DefaultPageSize}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.pageSize == 0 || totalBytes < 2*cfg.pageSize {
		return nil, fmt.Errorf("pagepool: create: bad geometry (pageSize=%d totalBytes=%d)", cfg.pageSize, totalBytes)
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagepool: create %s: %w", path, err)
	}

	p := &Pool{
		fs:       fs,
		f:        f,
		log:      cfg.log,
		pageSize: cfg.pageSize,
		nPages:   totalBytes / cfg.pageSize,
	}

	if err := preallocate(f, int64(totalBytes)); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagepool: preallocate %d bytes: %w", totalBytes, err)
	}

	b := bitmapPages(p.nPages, p.pageSize)
	p.bm = newBitmap(b * p.pageSize)
	// meta page plus every bitmap page is permanently allocated
	for i := uint64(0); i <= b; i++ {
		p.bm.set(i)
	}
	if err := p.flushBitmap(); err != nil {
		f.Close()
		return nil, err
	}
	if err := p.writeMeta(); err != nil {
		f.Close()
		return nil, err
	}

	p.log.V(1).Info("pool created", "path", path, "pages", p.nPages, "bitmapPages", b)
	return p, nil
}

// Open reopens an existing pool file, reading the geometry from the
// meta page and the bitmap from its pages.
func Open(fs afero.Fs, path string, opts ...Option) (*Pool, error) {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}

	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagepool: open %s: %w", path, err)
	}

	p := &Pool{fs: fs, f: f, log: cfg.log}
	if err := p.readMeta(); err != nil {
		f.Close()
		return nil, err
	}

	b := bitmapPages(p.nPages, p.pageSize)
	p.bm = newBitmap(b * p.pageSize)
	if _, err := f.ReadAt(p.bm, int64(p.pageSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagepool: load bitmap: %w", err)
	}

	p.log.V(1).Info("pool opened", "path", path, "pages", p.nPages, "root", p.root)
	return p, nil
}

// preallocate reserves size bytes for the file. On a real file this is
// fallocate; in-memory and other backends fall back to Truncate.
func preallocate(f afero.File, size int64) error {
	if ff, ok := f.(interface{ Fd() uintptr }); ok {
		if err := unix.Fallocate(int(ff.Fd()), 0, 0, size); err == nil {
			return nil
		}
	}
	return f.Truncate(size)
}

func (p *Pool) writeMeta() error {
	buf := make([]byte, p.pageSize)
	copy(buf[0:5], metaMagic)
	binary.LittleEndian.PutUint64(buf[8:16], p.pageSize)
	binary.LittleEndian.PutUint64(buf[16:24], p.nPages)
	binary.LittleEndian.PutUint64(buf[24:32], p.root)
	if _, err := p.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("pagepool: write meta page: %w", err)
	}
	return nil
}

func (p *Pool) readMeta() error {
	buf := make([]byte, 32)
	if _, err := p.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("pagepool: read meta page: %w", err)
	}
	if string(buf[0:5]) != metaMagic {
		return fmt.Errorf("%w: bad meta magic %q", ErrCorrupt, buf[0:5])
	}
	p.pageSize = binary.LittleEndian.Uint64(buf[8:16])
	p.nPages = binary.LittleEndian.Uint64(buf[16:24])
	p.root = binary.LittleEndian.Uint64(buf[24:32])
	if p.pageSize == 0 || p.nPages == 0 {
		return fmt.Errorf("%w: bad geometry in meta page", ErrCorrupt)
	}
	return nil
}

// flushBitmap rewrites every bitmap page. Coarse, but every mutation
// hits the disk before the allocator returns.
func (p *Pool) flushBitmap() error {
	if _, err := p.f.WriteAt(p.bm, int64(p.pageSize)); err != nil {
		return fmt.Errorf("pagepool: flush bitmap: %w", err)
	}
	return nil
}

// Alloc reserves the lowest-numbered free page. It never returns page 0:
// the meta page is allocated for the life of the pool.
func (p *Pool) Alloc() (uint64, error) {
	if p.closed {
		return 0, ErrClosed
	}
	pos, ok := p.bm.findClear(p.nPages)
	if !ok {
		return 0, ErrOutOfSpace
	}
	p.bm.set(pos)
	if err := p.flushBitmap(); err != nil {
		return 0, err
	}
	p.log.V(1).Info("page allocated", "page", pos)
	return pos, nil
}

// Free releases a page. Freeing a page that is not allocated is
// corruption.
func (p *Pool) Free(page uint64) error {
	if p.closed {
		return ErrClosed
	}
	if page >= p.nPages {
		return fmt.Errorf("%w: free of page %d beyond pool (%d pages)", ErrCorrupt, page, p.nPages)
	}
	if !p.bm.test(page) {
		return fmt.Errorf("%w: double free of page %d", ErrCorrupt, page)
	}
	p.bm.clear(page)
	if err := p.flushBitmap(); err != nil {
		return err
	}
	p.log.V(1).Info("page freed", "page", page)
	return nil
}

// ReadPage reads the raw bytes of a page.
func (p *Pool) ReadPage(page uint64) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.f.ReadAt(buf, int64(page*p.pageSize)); err != nil {
		return nil, fmt.Errorf("pagepool: read page %d: %w", page, err)
	}
	return buf, nil
}

// WritePage writes the raw bytes of a page. buf must be exactly one
// page long.
func (p *Pool) WritePage(page uint64, buf []byte) error {
	if p.closed {
		return ErrClosed
	}
	if uint64(len(buf)) != p.pageSize {
		return fmt.Errorf("pagepool: write page %d: wrong buffer size %d", page, len(buf))
	}
	if _, err := p.f.WriteAt(buf, int64(page*p.pageSize)); err != nil {
		return fmt.Errorf("pagepool: write page %d: %w", page, err)
	}
	return nil
}

// WriteData stores a value in a data page: a 16-byte header (length,
// next page = 0) followed by the payload.
func (p *Pool) WriteData(page uint64, val []byte) error {
	if p.closed {
		return ErrClosed
	}
	if len(val) > p.MaxDataSize() {
		return fmt.Errorf("%w: %d bytes, max %d", ErrValueTooLarge, len(val), p.MaxDataSize())
	}
	buf := make([]byte, dataHeaderSize+len(val))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(val)))
	binary.LittleEndian.PutUint64(buf[8:16], 0) // nextPage, reserved
	copy(buf[dataHeaderSize:], val)
	if _, err := p.f.WriteAt(buf, int64(page*p.pageSize)); err != nil {
		return fmt.Errorf("pagepool: write data page %d: %w", page, err)
	}
	return nil
}

// ReadData loads a value from a data page.
func (p *Pool) ReadData(page uint64) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	hdr := make([]byte, dataHeaderSize)
	off := int64(page * p.pageSize)
	if _, err := p.f.ReadAt(hdr, off); err != nil {
		return nil, fmt.Errorf("pagepool: read data page %d: %w", page, err)
	}
	size := binary.LittleEndian.Uint64(hdr[0:8])
	if size > uint64(p.MaxDataSize()) {
		return nil, fmt.Errorf("%w: data page %d claims %d bytes", ErrCorrupt, page, size)
	}
	val := make([]byte, size)
	if size == 0 {
		return val, nil
	}
	if _, err := p.f.ReadAt(val, off+dataHeaderSize); err != nil {
		return nil, fmt.Errorf("pagepool: read data page %d payload: %w", page, err)
	}
	return val, nil
}

// MaxDataSize is the largest value that fits in one data page alongside
// its header.
func (p *Pool) MaxDataSize() int {
	return int(p.pageSize) - dataHeaderSize
}

// Root returns the root page number recorded in the meta page.
func (p *Pool) Root() uint64 { return p.root }

// SetRoot records a new root page number in the meta page.
func (p *Pool) SetRoot(page uint64) error {
	if p.closed {
		return ErrClosed
	}
	p.root = page
	return p.writeMeta()
}

// Allocated reports whether a page is marked in the bitmap.
func (p *Pool) Allocated(page uint64) bool {
	return page < p.nPages && p.bm.test(page)
}

// AllocatedCount returns the number of allocated pages.
func (p *Pool) AllocatedCount() uint64 {
	return p.bm.countSet(p.nPages)
}

// PageSize returns the page size in bytes.
func (p *Pool) PageSize() uint64 { return p.pageSize }

// NumPages returns the total page count of the pool.
func (p *Pool) NumPages() uint64 { return p.nPages }

// BitmapPages returns the number of pages occupied by the bitmap.
func (p *Pool) BitmapPages() uint64 { return bitmapPages(p.nPages, p.pageSize) }

// Close releases the backing file. The pool must not be used afterwards.
func (p *Pool) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.bm = nil
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("pagepool: close: %w", err)
	}
	return nil
}
