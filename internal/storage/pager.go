package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Pager is the only component that touches the backing file. Mutations are
// staged in memory and mirrored into the shadow log; Commit replays them into
// the main file under a two-phase scheme so a crash lands on either the
// pre-commit or the post-commit state, never in between.
type Pager struct {
	file *os.File
	wal  *shadowLog
	path string

	// fileSize is the committed size of the backing file. nextAlloc is the
	// logical end including staged extensions; it is always >= fileSize.
	fileSize  int64
	nextAlloc uint64

	staged    map[uint64][]byte
	free      *freeList
	freeDirty bool

	fresh  bool
	closed bool
}

// Mark captures the staging state at the start of an operation so a failed
// operation can undo its own staged writes without touching earlier ones.
type Mark struct {
	staged    map[uint64][]byte
	free      []uint64
	freeDirty bool
	nextAlloc uint64
	walSize   int64
}

// OpenPager opens or creates the backing file and its sibling shadow log,
// replaying the log first if a committed transaction is present. The file is
// advisory-locked for the lifetime of the pager; contention is ErrAlreadyOpen.
func OpenPager(path string) (*Pager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyOpen
		}
		return nil, fmt.Errorf("%w: lock %s: %v", ErrIO, path, err)
	}

	wal, err := openShadowLog(path + ".wal")
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	st, err := file.Stat()
	if err != nil {
		_ = wal.Close()
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	p := &Pager{
		file:     file,
		wal:      wal,
		path:     path,
		fileSize: st.Size(),
		staged:   make(map[uint64][]byte),
		free:     &freeList{},
	}

	committed, err := wal.replay(p.applyReplayed)
	if err != nil {
		_ = wal.Close()
		_ = file.Close()
		return nil, err
	}
	if committed {
		if err := p.syncFile(); err != nil {
			_ = wal.Close()
			_ = file.Close()
			return nil, err
		}
	}
	if err := wal.truncate(0); err != nil {
		_ = wal.Close()
		_ = file.Close()
		return nil, err
	}

	p.fresh = p.fileSize == 0
	if p.fresh {
		p.nextAlloc = FirstDataOffset
	} else {
		fl, err := p.readFreeListPage()
		if err != nil {
			_ = wal.Close()
			_ = file.Close()
			return nil, err
		}
		p.free = fl
		p.nextAlloc = uint64(p.fileSize)
	}

	slog.Debug("pager.Open",
		"path", path,
		"fileSize", p.fileSize,
		"replayed", committed,
		"freePages", len(p.free.offsets),
	)
	return p, nil
}

// applyReplayed redoes one shadow-log record directly against the main file.
func (p *Pager) applyReplayed(off uint64, page []byte) error {
	if off%PageSize != 0 {
		return fmt.Errorf("%w: replayed offset %d", ErrCorruptLog, off)
	}
	if _, err := p.file.WriteAt(page, int64(off)); err != nil {
		return fmt.Errorf("%w: replay page at %d: %v", ErrIO, off, err)
	}
	if end := int64(off) + PageSize; end > p.fileSize {
		p.fileSize = end
	}
	return nil
}

// Fresh reports whether the backing file has no committed pages yet: it is
// true after opening an empty file and turns false at the first Commit that
// writes pages. A fresh tree must write its root before the first commit.
func (p *Pager) Fresh() bool {
	return p.fresh
}

// GetPage reads the page at off into a private buffer. Staged writes shadow
// the committed file contents so readers observe their own uncommitted
// mutations.
func (p *Pager) GetPage(off uint64) (*Page, error) {
	if p.closed {
		return nil, ErrPagerClosed
	}
	if off%PageSize != 0 {
		return nil, fmt.Errorf("%w: offset %d is not page-aligned", ErrInvalidOffset, off)
	}

	pg := NewPage()
	if buf, ok := p.staged[off]; ok {
		copy(pg.Buf, buf)
		return pg, nil
	}
	if int64(off)+PageSize <= p.fileSize {
		if _, err := p.file.ReadAt(pg.Buf, int64(off)); err != nil {
			return nil, fmt.Errorf("%w: read page at %d: %v", ErrIO, off, err)
		}
		return pg, nil
	}
	return nil, fmt.Errorf("%w: offset %d beyond file end", ErrInvalidOffset, off)
}

// WritePage stages a full page image and appends it to the shadow log. The
// main file is not touched until Commit.
func (p *Pager) WritePage(off uint64, pg *Page) error {
	if p.closed {
		return ErrPagerClosed
	}
	if off%PageSize != 0 {
		return fmt.Errorf("%w: offset %d is not page-aligned", ErrInvalidOffset, off)
	}
	if off >= p.nextAlloc {
		return fmt.Errorf("%w: offset %d was never allocated", ErrInvalidOffset, off)
	}
	if len(pg.Buf) != PageSize {
		return fmt.Errorf("%w: page must be exactly %d bytes", ErrInvalidOffset, PageSize)
	}

	if err := p.wal.appendPage(off, pg.Buf); err != nil {
		return err
	}
	buf := make([]byte, PageSize)
	copy(buf, pg.Buf)
	p.staged[off] = buf

	slog.Debug("pager.WritePage", "offset", off)
	return nil
}

// AllocatePage hands out a page offset, preferring the free list and
// extending the file logically otherwise. The actual extension happens at
// Commit when the staged image is written out.
func (p *Pager) AllocatePage() (uint64, error) {
	if p.closed {
		return 0, ErrPagerClosed
	}
	if off, ok := p.free.pop(); ok {
		p.freeDirty = true
		slog.Debug("pager.AllocatePage", "offset", off, "source", "freelist")
		return off, nil
	}
	off := p.nextAlloc
	p.nextAlloc += PageSize
	slog.Debug("pager.AllocatePage", "offset", off, "source", "extend")
	return off, nil
}

// FreePage returns off to the free list. Reserved pages are never freed.
func (p *Pager) FreePage(off uint64) error {
	if p.closed {
		return ErrPagerClosed
	}
	if off%PageSize != 0 || off < FirstDataOffset || off >= p.nextAlloc {
		return fmt.Errorf("%w: cannot free offset %d", ErrInvalidOffset, off)
	}
	if err := p.free.push(off); err != nil {
		return err
	}
	p.freeDirty = true
	slog.Debug("pager.FreePage", "offset", off)
	return nil
}

// Snapshot captures the current staging state. See Mark.
func (p *Pager) Snapshot() *Mark {
	staged := make(map[uint64][]byte, len(p.staged))
	for off, buf := range p.staged {
		staged[off] = buf
	}
	return &Mark{
		staged:    staged,
		free:      p.free.snapshot(),
		freeDirty: p.freeDirty,
		nextAlloc: p.nextAlloc,
		walSize:   p.wal.size,
	}
}

// Restore rewinds staging to a previously captured Mark, discarding every
// staged write and shadow-log record made since. Committed state is not
// affected.
func (p *Pager) Restore(m *Mark) error {
	staged := make(map[uint64][]byte, len(m.staged))
	for off, buf := range m.staged {
		staged[off] = buf
	}
	p.staged = staged
	p.free.restore(m.free)
	p.freeDirty = m.freeDirty
	p.nextAlloc = m.nextAlloc
	return p.wal.truncate(m.walSize)
}

// Commit makes every staged write durable: the free list page joins the
// transaction, the shadow log gains a commit marker and is fsynced, staged
// pages are replayed into the main file, the file is fsynced, and finally
// the log is truncated.
func (p *Pager) Commit() error {
	if p.closed {
		return ErrPagerClosed
	}
	if len(p.staged) == 0 && !p.freeDirty {
		return nil
	}

	flPage := NewPage()
	if err := p.free.encode(flPage); err != nil {
		return err
	}
	if err := p.WritePage(FreeListOffset, flPage); err != nil {
		return err
	}

	if err := p.wal.appendCommitMarker(); err != nil {
		return err
	}
	if err := p.wal.sync(); err != nil {
		return err
	}

	offsets := make([]uint64, 0, len(p.staged))
	for off := range p.staged {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	for _, off := range offsets {
		if _, err := p.file.WriteAt(p.staged[off], int64(off)); err != nil {
			return fmt.Errorf("%w: write page at %d: %v", ErrIO, off, err)
		}
		if end := int64(off) + PageSize; end > p.fileSize {
			p.fileSize = end
		}
	}
	if err := p.syncFile(); err != nil {
		return err
	}
	if err := p.wal.truncate(0); err != nil {
		return err
	}

	slog.Debug("pager.Commit", "pages", len(offsets), "fileSize", p.fileSize)

	p.staged = make(map[uint64][]byte)
	p.freeDirty = false
	p.fresh = false
	p.nextAlloc = uint64(p.fileSize)
	return nil
}

// Rollback discards all staged writes and truncates the shadow log. The free
// list reverts to its committed image.
func (p *Pager) Rollback() error {
	if p.closed {
		return ErrPagerClosed
	}
	p.staged = make(map[uint64][]byte)
	p.freeDirty = false
	if p.fresh {
		p.free = &freeList{}
		p.nextAlloc = FirstDataOffset
	} else {
		fl, err := p.readFreeListPage()
		if err != nil {
			return err
		}
		p.free = fl
		p.nextAlloc = uint64(p.fileSize)
	}
	slog.Debug("pager.Rollback")
	return p.wal.truncate(0)
}

// Close drops any uncommitted staging and releases the file handles. The
// advisory lock is released with the descriptor.
func (p *Pager) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.wal.truncate(0)
	walErr := p.wal.Close()
	fileErr := p.file.Close()
	if fileErr != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, p.path, fileErr)
	}
	return walErr
}

// FreeOffsets exposes the current free list, most recently freed last.
func (p *Pager) FreeOffsets() []uint64 {
	return p.free.snapshot()
}

// FileSize reports the committed size of the backing file in bytes.
func (p *Pager) FileSize() int64 {
	return p.fileSize
}

func (p *Pager) readFreeListPage() (*freeList, error) {
	if p.fileSize < FirstDataOffset {
		return nil, fmt.Errorf("%w: file too short for metadata page", ErrCorruptFreeList)
	}
	buf := make([]byte, PageSize)
	if _, err := p.file.ReadAt(buf, FreeListOffset); err != nil {
		return nil, fmt.Errorf("%w: read free list page: %v", ErrIO, err)
	}
	return decodeFreeList(buf)
}

func (p *Pager) syncFile() error {
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, p.path, err)
	}
	return nil
}
