package filelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"compactlog/internal/commitlog"
)

// File suffixes within a log directory. A segment with base offset N is
// backed by "<N>.log" (records) and "<N>.index" (offset -> byte position).
const (
	logSuffix   = ".log"
	indexSuffix = ".index"
	// stagingSuffix marks a segment being built by the rewriter before it
	// has been swapped into the log.
	stagingSuffix = ".cleaned"
)

const indexEntryBytes = 8 + 8 // offset + byte position, both uint64

// segment is the concrete Segment/WritableSegment implementation backed by
// a pair of files on disk. The active segment keeps its message and index
// files open for append; sealed segments only open files on demand.
type segment struct {
	mu           sync.Mutex
	baseOffset   uint64
	msgPath      string
	idxPath      string
	size         int64
	idxSize      int64
	lastModified time.Time
	fileMode     os.FileMode

	// active segments keep file handles open across appends; sealed
	// segments close them after every read and reopen on demand, since
	// they are expected to be read far less often than written.
	active  bool
	msgFile *os.File
	idxFile *os.File
}

func newActiveSegment(baseOffset uint64, msgPath, idxPath string, fileMode os.FileMode) (*segment, error) {
	msgFile, err := os.OpenFile(msgPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, fileMode)
	if err != nil {
		return nil, err
	}
	idxFile, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, fileMode)
	if err != nil {
		msgFile.Close()
		return nil, err
	}
	info, err := msgFile.Stat()
	if err != nil {
		msgFile.Close()
		idxFile.Close()
		return nil, err
	}
	idxInfo, err := idxFile.Stat()
	if err != nil {
		msgFile.Close()
		idxFile.Close()
		return nil, err
	}
	return &segment{
		baseOffset:   baseOffset,
		msgPath:      msgPath,
		idxPath:      idxPath,
		size:         info.Size(),
		idxSize:      idxInfo.Size(),
		lastModified: info.ModTime(),
		fileMode:     fileMode,
		active:       true,
		msgFile:      msgFile,
		idxFile:      idxFile,
	}, nil
}

func openSealedSegment(baseOffset uint64, msgPath, idxPath string, fileMode os.FileMode) (*segment, error) {
	info, err := os.Stat(msgPath)
	if err != nil {
		return nil, err
	}
	var idxSize int64
	if idxInfo, err := os.Stat(idxPath); err == nil {
		idxSize = idxInfo.Size()
	}
	return &segment{
		baseOffset:   baseOffset,
		msgPath:      msgPath,
		idxPath:      idxPath,
		size:         info.Size(),
		idxSize:      idxSize,
		lastModified: info.ModTime(),
		fileMode:     fileMode,
	}, nil
}

func (s *segment) BaseOffset() uint64 { return s.baseOffset }

func (s *segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *segment) IndexSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idxSize
}

func (s *segment) LastModified() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

func (s *segment) SetLastModified(t time.Time) {
	s.mu.Lock()
	s.lastModified = t
	s.mu.Unlock()
}

// Append writes a new record to the end of the segment. Only meaningful
// while the segment is active or staged for a rewrite; sealed segments
// reached through the log's normal segment list are never appended to.
func (s *segment) Append(r commitlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := encodeRecord(r)
	if err != nil {
		return err
	}
	position := s.size
	if _, err := s.msgFile.Write(buf); err != nil {
		return err
	}

	idxEntry := make([]byte, indexEntryBytes)
	binary.LittleEndian.PutUint64(idxEntry[:8], r.Offset)
	binary.LittleEndian.PutUint64(idxEntry[8:], uint64(position))
	if _, err := s.idxFile.Write(idxEntry); err != nil {
		return err
	}

	s.size += int64(len(buf))
	s.idxSize += int64(len(idxEntry))
	s.lastModified = time.Now()
	return nil
}

func (s *segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgFile != nil {
		if err := s.msgFile.Sync(); err != nil {
			return err
		}
	}
	if s.idxFile != nil {
		if err := s.idxFile.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (s *segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgFile != nil {
		s.msgFile.Close()
		s.msgFile = nil
	}
	if s.idxFile != nil {
		s.idxFile.Close()
		s.idxFile = nil
	}
	if err := os.Remove(s.msgPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.idxPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Reader opens a cursor over the segment's records in offset order. Active
// segments are read sequentially through a buffered reader so concurrent
// appends remain visible; sealed segments are mmap'd since they never change again.
func (s *segment) Reader() (commitlog.RecordCursor, error) {
	s.mu.Lock()
	active := s.active
	msgPath := s.msgPath
	s.mu.Unlock()

	if active {
		f, err := os.Open(msgPath)
		if err != nil {
			return nil, err
		}
		return &stdioCursor{file: f, r: bufio.NewReader(f)}, nil
	}
	return newMmapCursor(msgPath)
}

// stdioCursor walks a segment's message file sequentially via a buffered
// reader. Used for the active segment, which may still be growing.
type stdioCursor struct {
	file *os.File
	r    *bufio.Reader
}

func (c *stdioCursor) Next() (commitlog.Record, error) {
	var sizeBuf [sizeFieldBytes]byte
	if _, err := io.ReadFull(c.r, sizeBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return commitlog.Record{}, io.EOF
		}
		return commitlog.Record{}, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(c.r, buf[sizeFieldBytes:]); err != nil {
		return commitlog.Record{}, err
	}
	return decodeRecord(buf)
}

func (c *stdioCursor) Close() error {
	return c.file.Close()
}

// mmapCursor walks a sealed, immutable segment's message file through a
// memory-mapped view, avoiding a read syscall per record.
type mmapCursor struct {
	file *os.File
	data []byte
	pos  int
}

func newMmapCursor(path string) (*mmapCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		// Nothing to map: the cursor reports io.EOF on its first Next.
		return &mmapCursor{file: f}, nil
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mmapCursor{file: f, data: data}, nil
}

func (c *mmapCursor) Next() (commitlog.Record, error) {
	if c.pos >= len(c.data) {
		return commitlog.Record{}, io.EOF
	}
	if c.pos+sizeFieldBytes > len(c.data) {
		return commitlog.Record{}, errRecordTooSmall
	}
	size := binary.LittleEndian.Uint32(c.data[c.pos : c.pos+sizeFieldBytes])
	end := c.pos + int(size)
	if end > len(c.data) {
		return commitlog.Record{}, errRecordTooSmall
	}
	rec, err := decodeRecord(c.data[c.pos:end])
	if err != nil {
		return commitlog.Record{}, err
	}
	c.pos = end
	return rec, nil
}

func (c *mmapCursor) Close() error {
	if c.data != nil {
		syscall.Munmap(c.data)
		c.data = nil
	}
	return c.file.Close()
}
