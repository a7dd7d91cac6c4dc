package export

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Spool persists export packets to disk, zstd-compressed, when every
// configured collector is unreachable. It is the export-side analogue of
// the capture path's local packet buffer: instead of dropping datagrams
// during a collector outage, the emitter spills them to disk, and they are
// replayed, in order, the next time the process starts.
type Spool struct {
	mu sync.Mutex

	path string
	f    *os.File
	enc  *zstd.Encoder
}

// NewSpool opens (creating if necessary) a spool file at path, discarding
// any content left in it by an earlier run.
func NewSpool(path string) (*Spool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("export: open spool %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("export: init spool encoder: %w", err)
	}
	return &Spool{path: path, f: f, enc: enc}, nil
}

// Write appends one undelivered packet to the spool, length-prefixed so it
// can be split back out again on replay.
func (s *Spool) Write(pkt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(pkt)))
	if _, err := s.enc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("export: spool write: %w", err)
	}
	if _, err := s.enc.Write(pkt); err != nil {
		return fmt.Errorf("export: spool write: %w", err)
	}
	return nil
}

// Close flushes and closes the spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Close(); err != nil {
		return fmt.Errorf("export: close spool encoder: %w", err)
	}
	return s.f.Close()
}

// Replay reads every spooled packet back, in the order written, invoking fn
// for each. It is meant to run once at startup, before the spool file is
// truncated and reopened for further writes.
func Replay(path string, fn func(pkt []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("export: open spool %s for replay: %w", path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("export: init spool decoder: %w", err)
	}
	defer dec.Close()

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(dec, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("export: spool replay: %w", err)
		}
		pkt := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(dec, pkt); err != nil {
			return fmt.Errorf("export: spool replay: %w", err)
		}
		if err := fn(pkt); err != nil {
			return err
		}
	}
}
