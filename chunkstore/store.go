// Package chunkstore tracks per-transfer block state for a file arriving as
// out-of-order, possibly duplicated blocks.
//
// A Store owns exactly one active transfer at a time. Blocks live in a
// fixed-size table indexed by block number, so lookups are O(1) and memory
// is bounded by the declared block count. Payload bytes are held resident
// until accumulated size crosses a configured threshold, after which the
// transfer spills to a durable-storage collaborator; the switch is one-way
// for the life of the transfer.
package chunkstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qrfile/protocol"
)

var (
	// ErrNoTransfer indicates no header block has initialized a transfer.
	ErrNoTransfer = errors.New("chunkstore: no active transfer")

	// ErrIndexOutOfRange indicates a block index outside [0, totalBlocks).
	ErrIndexOutOfRange = errors.New("chunkstore: block index out of range")

	// ErrTransferIncomplete indicates assembly was requested while blocks
	// are still missing.
	ErrTransferIncomplete = errors.New("chunkstore: transfer incomplete")

	// ErrTooManyBlocks indicates a header declared more blocks than the
	// configured ceiling.
	ErrTooManyBlocks = errors.New("chunkstore: declared block count exceeds limit")
)

// BlockState is the lifecycle state of one block.
type BlockState uint8

const (
	// BlockPending means the block is known-missing and within its deadline.
	BlockPending BlockState = iota
	// BlockReceived is the terminal success state.
	BlockReceived
	// BlockAwaitingRetry means the block timed out and waits for a retry slot.
	BlockAwaitingRetry
	// BlockRetrying means a re-acquisition attempt is in flight.
	BlockRetrying
	// BlockFailed means the retry ceiling was exceeded; the block can only
	// arrive out of band.
	BlockFailed
)

// String returns the lifecycle state name.
func (s BlockState) String() string {
	switch s {
	case BlockPending:
		return "pending"
	case BlockReceived:
		return "received"
	case BlockAwaitingRetry:
		return "awaiting-retry"
	case BlockRetrying:
		return "retrying"
	case BlockFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DurableStore is the durable-storage collaborator a transfer spills to
// once resident payload bytes cross the memory threshold.
type DurableStore interface {
	StoreBlock(transferID string, index int, data []byte) error
	LoadBlock(transferID string, index int) ([]byte, error)
	DeleteTransfer(transferID string) error
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// DefaultMemoryThreshold is the resident-payload ceiling before a transfer
// spills to durable storage.
const DefaultMemoryThreshold = 32 * 1024 * 1024

// DefaultBlockDeadline is how long a known-missing block may stay pending
// before it is reported for retry.
const DefaultBlockDeadline = 30 * time.Second

// DefaultMaxBlocks bounds the declared block count of a transfer.
const DefaultMaxBlocks = 10000

// Config carries the store's tunables. Zero fields take the package
// defaults.
type Config struct {
	// MemoryThreshold is the resident byte count above which payloads are
	// redirected to the durable store.
	MemoryThreshold uint64

	// BlockDeadline is the per-block timeout measured from the moment the
	// block becomes known-missing.
	BlockDeadline time.Duration

	// MaxBlocks bounds the declared total block count.
	MaxBlocks int
}

func (c Config) withDefaults() Config {
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = DefaultMemoryThreshold
	}
	if c.BlockDeadline == 0 {
		c.BlockDeadline = DefaultBlockDeadline
	}
	if c.MaxBlocks == 0 {
		c.MaxBlocks = DefaultMaxBlocks
	}
	return c
}

// TransferMeta is the file-level metadata captured from the header block.
type TransferMeta struct {
	Filename    string
	TotalBlocks int
	FileSize    uint64
	FileHash    string
	Transform   protocol.TransformMeta
}

// Progress is a snapshot of transfer completion.
type Progress struct {
	Received int
	Total    int
	Ratio    float64
	Complete bool
}

// blockSlot is one entry in the arena-style block table.
type blockSlot struct {
	state    BlockState
	data     []byte // resident payload, nil once spilled
	size     int
	deadline time.Time
	reported bool // timeout handed to the retry layer
}

// transferState is all mutable state for one transfer. A fresh header
// allocates a new transferState, so late work against a superseded transfer
// holds a stale pointer and cannot corrupt the replacement.
type transferState struct {
	id            string
	meta          TransferMeta
	blocks        []blockSlot
	received      int
	residentBytes uint64
	spilled       bool
	writeErr      error
	pending       sync.WaitGroup // in-flight durable writes
	startTime     time.Time
}

// Store owns all block and retry-relevant state for the active transfer.
type Store struct {
	mu         sync.Mutex
	cfg        Config
	durable    DurableStore
	tp         TimeProvider
	generation uint64
	transfer   *transferState
}

// NewStore creates a chunk store. The durable collaborator may be nil when
// spilling is disabled by an effectively unlimited MemoryThreshold.
func NewStore(cfg Config, durable DurableStore) *Store {
	return &Store{
		cfg:     cfg.withDefaults(),
		durable: durable,
		tp:      DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Store) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tp = tp
}

// BeginTransfer discards any prior transfer state and initializes a new
// transfer with every block index known-missing. The generation counter
// advances so schedulers can discard work queued against the old transfer.
func (s *Store) BeginTransfer(meta TransferMeta) error {
	if meta.TotalBlocks <= 0 {
		return fmt.Errorf("%w: total blocks %d", ErrIndexOutOfRange, meta.TotalBlocks)
	}
	if meta.TotalBlocks > s.cfg.MaxBlocks {
		return fmt.Errorf("%w: %d > %d", ErrTooManyBlocks, meta.TotalBlocks, s.cfg.MaxBlocks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.transfer
	s.generation++

	now := s.tp.Now()
	t := &transferState{
		id:        uuid.New().String(),
		meta:      meta,
		blocks:    make([]blockSlot, meta.TotalBlocks),
		startTime: now,
	}
	deadline := now.Add(s.cfg.BlockDeadline)
	for i := range t.blocks {
		t.blocks[i].deadline = deadline
	}
	s.transfer = t

	logrus.WithFields(logrus.Fields{
		"function":     "BeginTransfer",
		"transfer_id":  t.id,
		"filename":     meta.Filename,
		"total_blocks": meta.TotalBlocks,
		"file_size":    meta.FileSize,
		"generation":   s.generation,
	}).Info("Transfer initialized")

	s.cleanupAsync(old)
	return nil
}

// Reset discards the active transfer entirely.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.transfer
	s.transfer = nil
	s.generation++

	logrus.WithFields(logrus.Fields{
		"function":   "Reset",
		"generation": s.generation,
	}).Info("Chunk store reset")

	s.cleanupAsync(old)
}

// cleanupAsync removes a superseded transfer's durable blocks after its
// in-flight writes drain.
func (s *Store) cleanupAsync(old *transferState) {
	if old == nil || !old.spilled || s.durable == nil {
		return
	}
	durable := s.durable
	go func() {
		old.pending.Wait()
		if err := durable.DeleteTransfer(old.id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "cleanupAsync",
				"transfer_id": old.id,
				"error":       err.Error(),
			}).Warn("Failed to delete superseded transfer from durable storage")
		}
	}()
}

// Generation returns the reset counter. Work captured under an older
// generation must be discarded.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Meta returns the active transfer's metadata.
func (s *Store) Meta() (TransferMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfer == nil {
		return TransferMeta{}, false
	}
	return s.transfer.meta, true
}

// TransferID returns the active transfer's durable-storage identity.
func (s *Store) TransferID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfer == nil {
		return "", false
	}
	return s.transfer.id, true
}

// AddChunk records a block payload. Re-delivery of an already received
// index is a no-op. A block in any non-received state, including failed,
// is accepted; an out-of-band arrival can still complete the transfer.
func (s *Store) AddChunk(index int, payload []byte) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transfer
	if t == nil {
		return Progress{}, ErrNoTransfer
	}
	if index < 0 || index >= len(t.blocks) {
		return Progress{}, fmt.Errorf("%w: index %d outside [0,%d)", ErrIndexOutOfRange, index, len(t.blocks))
	}

	slot := &t.blocks[index]
	if slot.state == BlockReceived {
		logrus.WithFields(logrus.Fields{
			"function": "AddChunk",
			"index":    index,
		}).Debug("Duplicate block ignored")
		return s.progressLocked(t), nil
	}

	slot.state = BlockReceived
	slot.size = len(payload)
	t.received++

	if t.spilled {
		s.storeDurableAsync(t, index, payload)
	} else {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		slot.data = buf
		t.residentBytes += uint64(len(payload))
		if t.residentBytes > s.cfg.MemoryThreshold {
			s.spillLocked(t)
		}
	}

	p := s.progressLocked(t)
	logrus.WithFields(logrus.Fields{
		"function": "AddChunk",
		"index":    index,
		"size":     len(payload),
		"received": p.Received,
		"total":    p.Total,
	}).Debug("Block stored")

	return p, nil
}

// storeDurableAsync copies a caller-owned payload and hands it to the
// durable collaborator without holding up block delivery. Assemble drains
// the wait group before reading.
func (s *Store) storeDurableAsync(t *transferState, index int, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.writeDurableAsync(t, index, buf)
}

// writeDurableAsync persists an already-owned buffer on a background
// goroutine tracked by the transfer's wait group.
func (s *Store) writeDurableAsync(t *transferState, index int, buf []byte) {
	t.pending.Add(1)
	durable := s.durable
	go func() {
		defer t.pending.Done()
		if err := durable.StoreBlock(t.id, index, buf); err != nil {
			s.mu.Lock()
			if t.writeErr == nil {
				t.writeErr = err
			}
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":    "writeDurableAsync",
				"transfer_id": t.id,
				"index":       index,
				"error":       err.Error(),
			}).Error("Durable block write failed")
		}
	}()
}

// spillLocked performs the one-way switch from resident buffers to the
// durable store. Only the switch decision happens under the lock; the
// buffered payloads migrate on background goroutines tracked by the same
// wait group as post-spill writes, so block delivery never stalls behind
// the migration. Write failures surface at Assemble.
func (s *Store) spillLocked(t *transferState) {
	if s.durable == nil {
		return
	}

	migrated := 0
	for i := range t.blocks {
		slot := &t.blocks[i]
		if slot.data == nil {
			continue
		}
		s.writeDurableAsync(t, i, slot.data)
		slot.data = nil
		migrated++
	}
	freed := t.residentBytes
	t.residentBytes = 0
	t.spilled = true

	logrus.WithFields(logrus.Fields{
		"function":    "spillLocked",
		"transfer_id": t.id,
		"migrating":   migrated,
		"freed_bytes": freed,
		"threshold":   s.cfg.MemoryThreshold,
	}).Info("Transfer spilling to durable storage")
}

// Spilled reports whether the active transfer switched to durable storage.
func (s *Store) Spilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfer != nil && s.transfer.spilled
}

func (s *Store) progressLocked(t *transferState) Progress {
	p := Progress{
		Received: t.received,
		Total:    len(t.blocks),
		Complete: t.received == len(t.blocks),
	}
	if p.Total > 0 {
		p.Ratio = float64(p.Received) / float64(p.Total)
	}
	return p
}

// Progress returns a completion snapshot for the active transfer.
func (s *Store) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfer == nil {
		return Progress{}
	}
	return s.progressLocked(s.transfer)
}

// IsComplete reports whether every block has been received.
func (s *Store) IsComplete() bool {
	return s.Progress().Complete
}

// Missing returns the indices not yet received, in increasing order.
// Failed blocks are still missing; they can arrive out of band.
func (s *Store) Missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transfer == nil {
		return nil
	}
	var missing []int
	for i := range s.transfer.blocks {
		if s.transfer.blocks[i].state != BlockReceived {
			missing = append(missing, i)
		}
	}
	return missing
}

// IsMissing reports whether the given block index still needs a payload.
// Out-of-range indices are not missing.
func (s *Store) IsMissing(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transfer == nil || index < 0 || index >= len(s.transfer.blocks) {
		return false
	}
	return s.transfer.blocks[index].state != BlockReceived
}

// State returns the lifecycle state of one block.
func (s *Store) State(index int) (BlockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transfer == nil {
		return 0, ErrNoTransfer
	}
	if index < 0 || index >= len(s.transfer.blocks) {
		return 0, fmt.Errorf("%w: index %d", ErrIndexOutOfRange, index)
	}
	return s.transfer.blocks[index].state, nil
}

// ExpiredBlocks returns pending blocks whose deadline has elapsed, moving
// each to awaiting-retry so it is reported exactly once. Blocks already in
// the retry lifecycle are never re-reported.
func (s *Store) ExpiredBlocks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transfer
	if t == nil {
		return nil
	}

	now := s.tp.Now()
	var expired []int
	for i := range t.blocks {
		slot := &t.blocks[i]
		if slot.state != BlockPending || slot.reported || now.Before(slot.deadline) {
			continue
		}
		slot.state = BlockAwaitingRetry
		slot.reported = true
		expired = append(expired, i)
	}

	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ExpiredBlocks",
			"count":    len(expired),
		}).Info("Blocks timed out, handing to retry scheduler")
	}
	return expired
}

// MarkRetrying records that a re-acquisition attempt is in flight.
func (s *Store) MarkRetrying(index int) error {
	return s.setState(index, BlockRetrying, "MarkRetrying")
}

// MarkAwaitingRetry records that an attempt failed and the block waits for
// its next backoff slot.
func (s *Store) MarkAwaitingRetry(index int) error {
	return s.setState(index, BlockAwaitingRetry, "MarkAwaitingRetry")
}

// MarkFailed records permanent per-block failure after the retry ceiling.
func (s *Store) MarkFailed(index int) error {
	return s.setState(index, BlockFailed, "MarkFailed")
}

func (s *Store) setState(index int, state BlockState, function string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transfer
	if t == nil {
		return ErrNoTransfer
	}
	if index < 0 || index >= len(t.blocks) {
		return fmt.Errorf("%w: index %d", ErrIndexOutOfRange, index)
	}
	slot := &t.blocks[index]
	if slot.state == BlockReceived {
		// Received is terminal; a racing retry outcome must not regress it.
		return nil
	}
	slot.state = state

	logrus.WithFields(logrus.Fields{
		"function": function,
		"index":    index,
		"state":    state.String(),
	}).Debug("Block state updated")
	return nil
}

// Assemble concatenates all payloads in strict index order. It fails with
// ErrTransferIncomplete while any block is missing. A mismatch between the
// assembled length and the declared file size is logged, not fatal; for
// transfers with a declared transform chain the raw assembly legitimately
// differs from the final file size.
func (s *Store) Assemble() ([]byte, error) {
	s.mu.Lock()
	t := s.transfer
	if t == nil {
		s.mu.Unlock()
		return nil, ErrNoTransfer
	}
	if t.received != len(t.blocks) {
		missing := len(t.blocks) - t.received
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d blocks missing", ErrTransferIncomplete, missing)
	}
	spilled := t.spilled
	s.mu.Unlock()

	if spilled {
		// Drain in-flight durable writes before reading them back.
		t.pending.Wait()
		s.mu.Lock()
		writeErr := t.writeErr
		s.mu.Unlock()
		if writeErr != nil {
			return nil, fmt.Errorf("chunkstore: durable write failed: %w", writeErr)
		}
		return s.assembleDurable(t)
	}
	return s.assembleResident(t)
}

func (s *Store) assembleResident(t *transferState) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	for i := range t.blocks {
		total += t.blocks[i].size
	}
	out := make([]byte, 0, total)
	for i := range t.blocks {
		out = append(out, t.blocks[i].data...)
	}
	s.checkDeclaredSize(t, len(out))
	return out, nil
}

func (s *Store) assembleDurable(t *transferState) ([]byte, error) {
	out := make([]byte, 0, t.meta.FileSize)
	for i := 0; i < len(t.blocks); i++ {
		data, err := s.durable.LoadBlock(t.id, i)
		if err != nil {
			return nil, fmt.Errorf("chunkstore: load block %d: %w", i, err)
		}
		out = append(out, data...)
	}
	s.checkDeclaredSize(t, len(out))
	return out, nil
}

func (s *Store) checkDeclaredSize(t *transferState, assembled int) {
	meta := t.meta
	plainTransfer := meta.Transform.Compression == "" || meta.Transform.Compression == "store"
	plainTransfer = plainTransfer && meta.Transform.Encryption == "" && meta.Transform.FEC == nil
	if plainTransfer && meta.FileSize > 0 && uint64(assembled) != meta.FileSize {
		logrus.WithFields(logrus.Fields{
			"function":      "Assemble",
			"assembled":     assembled,
			"declared_size": meta.FileSize,
		}).Warn("Assembled length does not match declared file size")
	}
}
