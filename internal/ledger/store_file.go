package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
)

// FileStore is the append-only, length-prefixed production LedgerStore.
// Each record on disk is:
//
//	[4 bytes big-endian length][length bytes of JSON-encoded Record][4 bytes CRC32 of those bytes]
//
// On open, FileStore replays the file from offset 0. If a trailing
// record is short (power loss mid-write) or its checksum doesn't match,
// that record and everything after it is discarded: the file is
// truncated back to the last known-good offset, leaving the chain in a
// consistent prefix state as required by the crash-safety contract.
type FileStore struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	cache  []Record // in-memory mirror for fast Scan/Tail; source of truth is the file
	logger *slog.Logger
}

// OpenFileStore opens (creating if necessary) the append-only ledger file
// at path and replays it to reconstruct the in-memory record cache.
func OpenFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open file store: %w", err)
	}

	fs := &FileStore{
		path:   path,
		f:      f,
		logger: logger.With("component", "ledger.FileStore"),
	}
	if err := fs.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

// replay scans the file from the start, validating each record's length
// prefix and checksum. It truncates the file at the first invalid or
// incomplete record it finds.
func (fs *FileStore) replay() error {
	if _, err := fs.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("ledger: replay seek: %w", err)
	}

	var offset int64
	var records []Record

	header := make([]byte, 4)
	for {
		n, err := io.ReadFull(fs.f, header)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err == io.ErrUnexpectedEOF {
			fs.logger.Warn("truncated record header on replay, discarding tail", "offset", offset)
			break
		}
		if err != nil {
			return fmt.Errorf("ledger: replay read header: %w", err)
		}

		length := binary.BigEndian.Uint32(header)
		body := make([]byte, length)
		if _, err := io.ReadFull(fs.f, body); err != nil {
			fs.logger.Warn("truncated record body on replay, discarding tail", "offset", offset)
			break
		}

		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(fs.f, crcBuf); err != nil {
			fs.logger.Warn("truncated record checksum on replay, discarding tail", "offset", offset)
			break
		}
		want := binary.BigEndian.Uint32(crcBuf)
		if got := crc32.ChecksumIEEE(body); got != want {
			fs.logger.Warn("checksum mismatch on replay, discarding tail", "offset", offset)
			break
		}

		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			fs.logger.Warn("corrupt record json on replay, discarding tail", "offset", offset)
			break
		}
		records = append(records, rec)
		offset += int64(4 + len(body) + 4)
	}

	if err := fs.f.Truncate(offset); err != nil {
		return fmt.Errorf("ledger: replay truncate to consistent prefix: %w", err)
	}
	if _, err := fs.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("ledger: replay seek post-truncate: %w", err)
	}

	fs.cache = records
	return nil
}

func (fs *FileStore) Append(ctx context.Context, rec Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc32.ChecksumIEEE(body))

	if _, err := fs.f.Write(header); err != nil {
		return fmt.Errorf("ledger: write record header: %w", err)
	}
	if _, err := fs.f.Write(body); err != nil {
		return fmt.Errorf("ledger: write record body: %w", err)
	}
	if _, err := fs.f.Write(crcBuf); err != nil {
		return fmt.Errorf("ledger: write record checksum: %w", err)
	}
	if err := fs.f.Sync(); err != nil {
		return fmt.Errorf("ledger: sync record: %w", err)
	}

	fs.cache = append(fs.cache, rec)
	return nil
}

func (fs *FileStore) Scan(ctx context.Context) ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]Record, len(fs.cache))
	copy(out, fs.cache)
	return out, nil
}

func (fs *FileStore) Tail(ctx context.Context) (Record, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.cache) == 0 {
		return Record{}, false, nil
	}
	return fs.cache[len(fs.cache)-1], true, nil
}

func (fs *FileStore) Flush(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Sync()
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Close()
}
