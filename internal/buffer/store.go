// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implements the durable, crash-safe, ordered local
// queue of encoded transmission records (§4.2). Entries are appended
// to a per-VIN data log; removals are appended to a parallel tombstone
// log so a single Remove never requires rewriting the data file. The
// two logs are periodically compacted into a fresh data log using the
// same temp-file-then-rename trick the reference corpus uses for
// atomic backup commits.
package buffer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/vantage-edge/telemetry-agent/internal/diskmon"
)

// Erros do buffer store.
var (
	ErrStorageUnavailable = errors.New("buffer: storage unavailable")
	ErrClosed             = errors.New("buffer: store closed")
)

var dataMagic = [4]byte{'N', 'T', 'B', 'D'}
var tombMagic = [4]byte{'N', 'T', 'B', 'T'}

const dataLogName = "buffer.dat"
const tombLogName = "buffer.tomb"

// Modos de compressão at-rest aceitos por Open (§ config buffer.compression).
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// Entry é um registro durável no buffer: id de inserção, timestamp da
// amostra (usado para ordenar o drain) e o payload opaco já codificado.
type Entry struct {
	ID        uint64
	Timestamp int64
	Payload   []byte
}

// Store é a fila durável por VIN descrita em §4.2 e §6.3.
type Store struct {
	mu sync.Mutex

	dir      string
	dataPath string
	tombPath string

	dataFile *os.File
	tombFile *os.File

	enc *zstd.Encoder
	dec *zstd.Decoder

	nextID    uint64
	live      map[uint64]Entry
	removedCh int // removals since last compaction

	diskCheck *diskmon.Checker
	logger    *slog.Logger
	closed    bool
}

// Open abre (ou cria) o buffer durável para o VIN especificado dentro
// de dir. O nome do arquivo é determinístico por VIN (§6.3) para que
// agentes independentes nunca colidam. compression seleciona o modo
// at-rest (CompressionZstd ou CompressionNone); string vazia usa
// CompressionZstd.
func Open(dir, vin, compression string, logger *slog.Logger) (*Store, error) {
	if compression == "" {
		compression = CompressionZstd
	}
	if compression != CompressionZstd && compression != CompressionNone {
		return nil, fmt.Errorf("%w: unsupported compression %q", ErrStorageUnavailable, compression)
	}

	vinDir := filepath.Join(dir, sanitizeVIN(vin))
	if err := os.MkdirAll(vinDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating buffer directory: %v", ErrStorageUnavailable, err)
	}

	var enc *zstd.Encoder
	var dec *zstd.Decoder
	if compression == CompressionZstd {
		var err error
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: creating zstd encoder: %v", ErrStorageUnavailable, err)
		}
		dec, err = zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("%w: creating zstd decoder: %v", ErrStorageUnavailable, err)
		}
	}

	s := &Store{
		dir:       vinDir,
		dataPath:  filepath.Join(vinDir, dataLogName),
		tombPath:  filepath.Join(vinDir, tombLogName),
		enc:       enc,
		dec:       dec,
		live:      make(map[uint64]Entry),
		diskCheck: diskmon.New(vinDir, logger),
		logger:    logger.With("component", "buffer", "vin", vin),
	}

	if err := s.load(); err != nil {
		s.closeCodecs()
		return nil, err
	}

	dataFile, err := os.OpenFile(s.dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.closeCodecs()
		return nil, fmt.Errorf("%w: opening data log for append: %v", ErrStorageUnavailable, err)
	}
	tombFile, err := os.OpenFile(s.tombPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		dataFile.Close()
		s.closeCodecs()
		return nil, fmt.Errorf("%w: opening tombstone log for append: %v", ErrStorageUnavailable, err)
	}

	s.dataFile = dataFile
	s.tombFile = tombFile
	return s, nil
}

// closeCodecs releases the zstd encoder/decoder, a no-op when the
// store was opened with CompressionNone.
func (s *Store) closeCodecs() {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
}

// compress applies at-rest compression, a no-op when the store was
// opened with CompressionNone.
func (s *Store) compress(payload []byte) []byte {
	if s.enc == nil {
		return payload
	}
	return s.enc.EncodeAll(payload, nil)
}

// decompress reverses compress, a no-op when the store was opened with
// CompressionNone.
func (s *Store) decompress(data []byte) ([]byte, error) {
	if s.dec == nil {
		return data, nil
	}
	return s.dec.DecodeAll(data, nil)
}

// load replays the data log and tombstone log to rebuild the in-memory
// index of live entries. Entries referenced by a tombstone are dropped
// before they ever reach the caller.
func (s *Store) load() error {
	entries, maxID, err := readDataLog(s.dataPath)
	if err != nil {
		return fmt.Errorf("%w: reading data log: %v", ErrStorageUnavailable, err)
	}
	removed, err := readTombLog(s.tombPath)
	if err != nil {
		return fmt.Errorf("%w: reading tombstone log: %v", ErrStorageUnavailable, err)
	}

	for _, e := range entries {
		if _, dead := removed[e.ID]; dead {
			continue
		}
		payload, err := s.decompress(e.Payload)
		if err != nil {
			// Registro corrompido no disco — tratado como poison record
			// pelo drain (ver internal/agent), não aqui. Mantemos o bruto.
			payload = e.Payload
		}
		s.live[e.ID] = Entry{ID: e.ID, Timestamp: e.Timestamp, Payload: payload}
	}
	s.nextID = maxID + 1
	s.removedCh = len(removed)
	return nil
}

// Append insere uma nova entrada no buffer. Atômico em relação a crash
// de processo: ou a entrada chega durável ao disco, ou ela nunca entra
// no índice em memória.
func (s *Store) Append(timestamp int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.diskCheck.CheckBeforeAppend()

	id := s.nextID
	compressed := s.compress(payload)

	if err := writeDataRecord(s.dataFile, id, timestamp, compressed); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.dataFile.Sync(); err != nil {
		return fmt.Errorf("%w: fsync data log: %v", ErrStorageUnavailable, err)
	}

	s.nextID++
	s.live[id] = Entry{ID: id, Timestamp: timestamp, Payload: payload}
	return nil
}

// IterOldestFirst retorna as entradas vivas ordenadas por
// (timestamp ASC, id ASC), conforme §4.2 e §6.3.
func (s *Store) IterOldestFirst() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.live))
	for _, e := range s.live {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len retorna o número de entradas vivas no buffer.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Remove apaga uma entrada específica após upload bem-sucedido (ou
// depois de movida para o dead-letter). Atômico: a remoção é um
// append no log de tombstones, nunca uma reescrita do log principal.
func (s *Store) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, ok := s.live[id]; !ok {
		return nil // já removida — idempotente
	}

	if err := writeTombRecord(s.tombFile, id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.tombFile.Sync(); err != nil {
		return fmt.Errorf("%w: fsync tombstone log: %v", ErrStorageUnavailable, err)
	}

	delete(s.live, id)
	s.removedCh++

	// Compacta quando o log de tombstones cresce além de um múltiplo
	// razoável do volume vivo, para não crescer indefinidamente.
	if s.removedCh > 0 && s.removedCh >= 1000 && s.removedCh >= 2*len(s.live)+1 {
		if err := s.compactLocked(); err != nil {
			s.logger.Warn("buffer compaction failed, continuing uncompacted", "error", err)
		}
	}

	return nil
}

// compactLocked rewrites the data log to contain only live entries and
// truncates the tombstone log to empty, using temp-file-then-rename
// for crash safety. Must be called with s.mu held.
func (s *Store) compactLocked() error {
	tmpPath := s.dataPath + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating compaction temp file: %w", err)
	}

	ids := make([]uint64, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := s.live[id]
		compressed := s.compress(e.Payload)
		if err := writeDataRecord(tmp, e.ID, e.Timestamp, compressed); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writing compacted record: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync compacted data log: %w", err)
	}
	tmp.Close()

	s.dataFile.Close()
	if err := os.Rename(tmpPath, s.dataPath); err != nil {
		return fmt.Errorf("renaming compacted data log: %w", err)
	}

	dataFile, err := os.OpenFile(s.dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening compacted data log: %w", err)
	}
	s.dataFile = dataFile

	s.tombFile.Close()
	if err := os.Truncate(s.tombPath, 0); err != nil {
		return fmt.Errorf("truncating tombstone log: %w", err)
	}
	tombFile, err := os.OpenFile(s.tombPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening tombstone log: %w", err)
	}
	s.tombFile = tombFile
	s.removedCh = 0

	return nil
}

// Close libera os file handles do buffer, garantindo flush (§4.2,
// "open/close lifecycle with guaranteed flush on close").
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.dataFile.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.dataFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.tombFile.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.tombFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.closeCodecs()
	return firstErr
}

// sanitizeVIN prevents a pathological VIN from escaping the buffer
// root directory.
func sanitizeVIN(vin string) string {
	return filepath.Base(filepath.Clean(vin))
}

// --- on-disk record framing ---
//
// Data record: Magic "NTBD" [4B] ID uint64 BE [8B] Timestamp int64 BE [8B]
//              Length uint32 BE [4B] Payload [Length B]
// Tombstone record: Magic "NTBT" [4B] ID uint64 BE [8B]

func writeDataRecord(w io.Writer, id uint64, timestamp int64, payload []byte) error {
	if _, err := w.Write(dataMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, id); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeTombRecord(w io.Writer, id uint64) error {
	if _, err := w.Write(tombMagic[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, id)
}

type rawDataRecord struct {
	ID        uint64
	Timestamp int64
	Payload   []byte
}

// readDataLog reads every complete record from the data log. A
// truncated trailing record (partial write interrupted by a crash) is
// silently dropped — it never became durable in the first place.
func readDataLog(path string) ([]rawDataRecord, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []rawDataRecord
	var maxID uint64

	for {
		var magic [4]byte
		if _, err := io.ReadFull(r, magic[:]); err != nil {
			break
		}
		if magic != dataMagic {
			break
		}
		var id uint64
		var ts int64
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			break
		}
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			break
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		out = append(out, rawDataRecord{ID: id, Timestamp: ts, Payload: payload})
		if id > maxID {
			maxID = id
		}
	}

	return out, maxID, nil
}

func readTombLog(path string) (map[uint64]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]struct{}{}, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	removed := make(map[uint64]struct{})

	for {
		var magic [4]byte
		if _, err := io.ReadFull(r, magic[:]); err != nil {
			break
		}
		if magic != tombMagic {
			break
		}
		var id uint64
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			break
		}
		removed[id] = struct{}{}
	}

	return removed, nil
}
