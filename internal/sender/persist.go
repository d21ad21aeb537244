package sender

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// recordHeaderSize is {size: u32 LE, compressed: u8} per spec §6.
const recordHeaderSize = 5

// Store is the flat append-only persistence file used while disconnected.
// Readback tolerates a truncated trailing record (spec §6).
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (creating if absent) the persistence file at path.
func NewStore(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sender: open persistence file: %w", err)
	}
	f.Close()
	return &Store{path: path}, nil
}

// Append writes one record: header + payload. The payload passed in is
// always compressed already — the sender decides compression before
// calling Append so storage is always compressed, per spec §4.8.
func (s *Store) Append(payload []byte, compressed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sender: open persistence file for append: %w", err)
	}
	defer f.Close()

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(payload)))
	if compressed {
		header[4] = 1
	}
	if _, err := f.Write(header[:]); err != nil {
		return fmt.Errorf("sender: write record header: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("sender: write record payload: %w", err)
	}
	return nil
}

// Record is one decoded persistence-file entry.
type Record struct {
	Payload    []byte
	Compressed bool
}

// Drain reads every well-formed record in file order, tolerating a
// truncated trailing record by stopping there instead of erroring. The
// caller supplies a consume function; only once every record has been
// consumed successfully does Drain truncate the file (spec §4.8: "full-file
// truncation occurs only when the file is fully drained").
func (s *Store) Drain(consume func(Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("sender: open persistence file for drain: %w", err)
	}
	defer f.Close()

	for {
		var header [recordHeaderSize]byte
		n, err := io.ReadFull(f, header[:])
		if err == io.EOF {
			break
		}
		if err != nil || n < recordHeaderSize {
			// Truncated trailing header: treat as end of valid data.
			break
		}
		size := binary.LittleEndian.Uint32(header[:4])
		compressed := header[4] == 1
		payload := make([]byte, size)
		if _, err := io.ReadFull(f, payload); err != nil {
			// Truncated trailing payload: stop, do not error the whole drain.
			break
		}
		if err := consume(Record{Payload: payload, Compressed: compressed}); err != nil {
			return err
		}
	}

	return s.truncate()
}

func (s *Store) truncate() error {
	return os.Truncate(s.path, 0)
}
