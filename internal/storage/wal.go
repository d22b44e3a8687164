package storage

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/nimrodshn/btree/pkg/bx"
)

// The shadow log is a sidecar file staging full page images between commits.
//
// Record layout:
//
//	[page offset u64][crc32 u32][page bytes PageSize]
//
// The crc covers the offset and the page bytes. A transaction is terminated
// by an 8-byte commit marker; the marker can never collide with a record
// because page offsets are PageSize-aligned.
const (
	commitSentinel = ^uint64(0)

	walRecordSize = 8 + 4 + PageSize
)

type shadowLog struct {
	f    *os.File
	path string
	size int64
}

func openShadowLog(path string) (*shadowLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open shadow log %s: %v", ErrIO, path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat shadow log: %v", ErrIO, err)
	}
	return &shadowLog{f: f, path: path, size: st.Size()}, nil
}

// appendPage stages one full page image at the log tail.
func (l *shadowLog) appendPage(off uint64, page []byte) error {
	if len(page) != PageSize {
		return fmt.Errorf("shadow log: page must be exactly %d bytes", PageSize)
	}

	buf := make([]byte, walRecordSize)
	bx.PutU64(buf[0:8], off)
	copy(buf[12:], page)

	crc := crc32.ChecksumIEEE(buf[0:8])
	crc = crc32.Update(crc, crc32.IEEETable, page)
	bx.PutU32(buf[8:12], crc)

	if _, err := l.f.WriteAt(buf, l.size); err != nil {
		return fmt.Errorf("%w: append shadow record: %v", ErrIO, err)
	}
	l.size += int64(len(buf))
	return nil
}

// appendCommitMarker terminates the staged transaction.
func (l *shadowLog) appendCommitMarker() error {
	var buf [8]byte
	bx.PutU64(buf[:], commitSentinel)
	if _, err := l.f.WriteAt(buf[:], l.size); err != nil {
		return fmt.Errorf("%w: append commit marker: %v", ErrIO, err)
	}
	l.size += int64(len(buf))
	return nil
}

func (l *shadowLog) sync() error {
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync shadow log: %v", ErrIO, err)
	}
	return nil
}

// truncate cuts the log back to n bytes. Used with n=0 after commit and
// rollback, and with a saved size to undo a single operation's records.
func (l *shadowLog) truncate(n int64) error {
	if err := l.f.Truncate(n); err != nil {
		return fmt.Errorf("%w: truncate shadow log: %v", ErrIO, err)
	}
	l.size = n
	return nil
}

// replay scans the log from the beginning. If a commit marker is present the
// preceding records are handed to apply in order and committed=true is
// returned. A torn tail with no marker is a discarded partial commit. A
// record whose checksum does not match aborts the whole replay with
// ErrCorruptLog.
func (l *shadowLog) replay(apply func(off uint64, page []byte) error) (committed bool, err error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("%w: seek shadow log: %v", ErrIO, err)
	}
	r := bufio.NewReaderSize(l.f, 1<<20)

	type record struct {
		off  uint64
		page []byte
	}
	var records []record

	for {
		var head [8]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// no marker seen; partial commit is discarded
				return false, nil
			}
			return false, fmt.Errorf("%w: read shadow log: %v", ErrIO, err)
		}
		off := bx.U64(head[:])
		if off == commitSentinel {
			break
		}

		rest := make([]byte, 4+PageSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// torn tail record, no marker could follow
				return false, nil
			}
			return false, fmt.Errorf("%w: read shadow log: %v", ErrIO, err)
		}

		wantCRC := bx.U32(rest[0:4])
		crc := crc32.ChecksumIEEE(head[:])
		crc = crc32.Update(crc, crc32.IEEETable, rest[4:])
		if crc != wantCRC {
			return false, fmt.Errorf("%w: bad record checksum at page offset %d", ErrCorruptLog, off)
		}

		records = append(records, record{off: off, page: rest[4:]})
	}

	for _, rec := range records {
		if err := apply(rec.off, rec.page); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (l *shadowLog) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
