// Package receiver orchestrates file reconstruction from optically captured
// block envelopes. The Engine wires the envelope parser, the chunk store,
// the retry coordinator and the reverse transform pipeline into a single
// ingest path: feed raw envelope strings in, get a reconstructed file out.
package receiver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qrfile/chunkstore"
	"github.com/opd-ai/qrfile/config"
	"github.com/opd-ai/qrfile/pipeline"
	"github.com/opd-ai/qrfile/protocol"
	"github.com/opd-ai/qrfile/retry"
)

var (
	// ErrHashMismatch indicates a block payload failed its per-block hash
	// check. The block stays missing and retry-eligible.
	ErrHashMismatch = errors.New("receiver: block hash mismatch")

	// ErrStaleCapture indicates a re-acquisition completed after the
	// transfer it belonged to was superseded.
	ErrStaleCapture = errors.New("receiver: capture belongs to superseded transfer")

	// ErrWrongBlock indicates a re-acquisition returned a different block
	// than requested.
	ErrWrongBlock = errors.New("receiver: captured wrong block")
)

// CaptureSource re-acquires a specific block from the optical channel.
// The channel is one-way, so Capture typically waits for the sender's
// cyclic retransmission to come back around to the wanted index.
type CaptureSource interface {
	Capture(index int) (string, error)
}

// Result is a completed reconstruction.
type Result struct {
	Filename string
	Data     []byte

	// HashVerified is true when the declared whole-file hash matched.
	// HashPresent distinguishes "matched" from "nothing to check".
	HashVerified bool
	HashPresent  bool

	// FEC decode quality for transfers that declared forward error
	// correction.
	CorrectedBlocks int
	DegradedBlocks  int
}

// Stats aggregates engine counters.
type Stats struct {
	EnvelopesProcessed uint64
	ParseFailures      uint64
	HashMismatches     uint64
	BlocksAccepted     uint64
	TransfersStarted   uint64
	TransfersCompleted uint64
	BlocksFailed       uint64
}

// Engine is the receiving state machine. Safe for concurrent use; the
// ingest path, the timeout scanner and retry attempts all converge on the
// chunk store's own locking.
type Engine struct {
	mu          sync.Mutex
	cfg         *config.Config
	parser      *protocol.Parser
	store       *chunkstore.Store
	coordinator *retry.Coordinator
	pipe        *pipeline.Pipeline
	capture     CaptureSource

	fingerprint  string
	finalizedGen uint64
	lastResult   *Result
	lastFailure  error

	running      bool
	stopChan     chan struct{}
	scanInterval time.Duration

	onProgress       func(chunkstore.Progress)
	onComplete       func(*Result)
	onBlockFailed    func(index, attempts int, lastErr error)
	onTransferFailed func(error)

	stats Stats
}

// New creates an engine. The capture source may be nil; blocks then arrive
// only through ProcessEnvelope and timed-out blocks fail their retries.
// The durable store may be nil to keep every transfer in memory.
func New(cfg *config.Config, capture CaptureSource, durable chunkstore.DurableStore) *Engine {
	threshold := cfg.MemoryThreshold
	if cfg.MemoryOnly {
		durable = nil
	}

	e := &Engine{
		cfg:    cfg,
		parser: protocol.NewParser(),
		store: chunkstore.NewStore(chunkstore.Config{
			MemoryThreshold: threshold,
			BlockDeadline:   cfg.BlockTimeout,
			MaxBlocks:       cfg.MaxBlocks,
		}, durable),
		pipe:         pipeline.New(pipeline.StaticKeySource(cfg.Passphrase)),
		capture:      capture,
		stopChan:     make(chan struct{}),
		scanInterval: time.Second,
	}

	e.coordinator = retry.NewCoordinator(retry.Config{
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		JitterMax:     cfg.RetryJitterMax,
		BackoffFactor: cfg.RetryBackoffFactor,
		MaxRetries:    cfg.RetryMaxAttempts,
		MaxConcurrent: cfg.RetryMaxConcurrent,
	}, e.store, e)
	e.coordinator.OnPermanentFailure(e.blockFailed)

	return e
}

// OnProgress registers a callback invoked after every accepted block.
func (e *Engine) OnProgress(cb func(chunkstore.Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = cb
}

// OnComplete registers a callback invoked when a file is reconstructed.
func (e *Engine) OnComplete(cb func(*Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = cb
}

// OnBlockFailed registers a callback invoked when a block exhausts its
// retry budget. lastErr is the error from the final attempt.
func (e *Engine) OnBlockFailed(cb func(index, attempts int, lastErr error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBlockFailed = cb
}

// OnTransferFailed registers a callback invoked when a fully received
// transfer fails terminally during assembly or transform reversal. These
// failures cannot be retried: every block already arrived, yet no usable
// file can be produced.
func (e *Engine) OnTransferFailed(cb func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTransferFailed = cb
}

// Start launches the timeout scanner and the retry coordinator.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.coordinator.Start()

	go e.scanLoop(e.stopChan)
}

// Stop halts background work. Buffered transfer state survives; ingest via
// ProcessEnvelope keeps working.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	close(e.stopChan)
	e.coordinator.Stop()
}

// scanLoop periodically sweeps for timed-out blocks and hands them to the
// retry coordinator.
func (e *Engine) scanLoop(stop chan struct{}) {
	for {
		select {
		case <-time.After(e.scanInterval):
			if expired := e.store.ExpiredBlocks(); len(expired) > 0 {
				e.coordinator.NotifyMissing(expired)
			}
		case <-stop:
			return
		}
	}
}

// ProcessEnvelope ingests one raw envelope string from the capture channel.
// Parse, hash and bounds failures leave the corresponding block missing;
// the caller may keep feeding captures regardless of the error.
func (e *Engine) ProcessEnvelope(raw string) error {
	e.mu.Lock()
	e.stats.EnvelopesProcessed++
	e.mu.Unlock()

	env, err := e.parser.Parse(raw)
	if err != nil {
		e.mu.Lock()
		e.stats.ParseFailures++
		e.mu.Unlock()
		return err
	}
	return e.processParsed(env)
}

func (e *Engine) processParsed(env *protocol.Envelope) error {
	if env.IsHeader() {
		if err := e.ensureTransfer(env); err != nil {
			return err
		}
	}

	if !env.VerifyPayloadHash() {
		e.mu.Lock()
		e.stats.HashMismatches++
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "processParsed",
			"index":    env.Index,
		}).Warn("Block payload failed hash check")
		return fmt.Errorf("%w: block %d", ErrHashMismatch, env.Index)
	}

	progress, err := e.store.AddChunk(env.Index, env.Payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.stats.BlocksAccepted++
	cb := e.onProgress
	e.mu.Unlock()
	if cb != nil {
		cb(progress)
	}

	if progress.Complete {
		return e.finalize()
	}
	return nil
}

// ensureTransfer initializes or replaces the active transfer when a header
// envelope announces a different file. Headers repeating the active
// transfer's identity are left alone so the sender's per-block metadata
// does not reset progress. The whole check-and-replace runs under the
// engine lock so concurrent differing headers cannot leave the recorded
// fingerprint naming one transfer while the store holds another.
func (e *Engine) ensureTransfer(env *protocol.Envelope) error {
	fp := env.Fingerprint()

	e.mu.Lock()
	defer e.mu.Unlock()

	if fp == e.fingerprint {
		return nil
	}

	err := e.store.BeginTransfer(chunkstore.TransferMeta{
		Filename:    env.Filename,
		TotalBlocks: env.TotalBlocks,
		FileSize:    env.FileSize,
		FileHash:    env.FileHash,
		Transform:   env.Transform,
	})
	if err != nil {
		return err
	}

	e.fingerprint = fp
	e.lastResult = nil
	e.lastFailure = nil
	e.stats.TransfersStarted++

	logrus.WithFields(logrus.Fields{
		"function":    "ensureTransfer",
		"filename":    env.Filename,
		"total":       env.TotalBlocks,
		"fingerprint": fp,
	}).Info("New transfer announced")

	return nil
}

// Reacquire asks the capture source for one block and ingests it. It backs
// the retry coordinator's attempts.
func (e *Engine) Reacquire(index int) error {
	if e.capture == nil {
		return fmt.Errorf("receiver: no capture source for block %d", index)
	}

	gen := e.store.Generation()
	raw, err := e.capture.Capture(index)
	if err != nil {
		return fmt.Errorf("receiver: capture block %d: %w", index, err)
	}

	env, err := protocol.Parse(raw)
	if err != nil {
		return err
	}
	if env.Index != index {
		return fmt.Errorf("%w: wanted %d, got %d", ErrWrongBlock, index, env.Index)
	}
	if e.store.Generation() != gen {
		// The transfer changed while we waited on the optical channel.
		return fmt.Errorf("%w: block %d", ErrStaleCapture, index)
	}
	return e.processParsed(env)
}

// blockFailed handles permanent per-block failure from the coordinator.
func (e *Engine) blockFailed(index, attempts int, lastErr error) {
	e.mu.Lock()
	e.stats.BlocksFailed++
	cb := e.onBlockFailed
	e.mu.Unlock()

	fields := logrus.Fields{
		"function": "blockFailed",
		"index":    index,
		"attempts": attempts,
	}
	if lastErr != nil {
		fields["error"] = lastErr.Error()
	}
	logrus.WithFields(fields).Error("Block abandoned after exhausting retries")

	if cb != nil {
		cb(index, attempts, lastErr)
	}
}

// finalize assembles, reverses the transform chain and verifies the
// reconstructed file. Exactly one finalization runs per transfer.
func (e *Engine) finalize() error {
	gen := e.store.Generation()

	e.mu.Lock()
	if e.finalizedGen == gen {
		e.mu.Unlock()
		return nil
	}
	e.finalizedGen = gen
	e.mu.Unlock()

	raw, err := e.store.Assemble()
	if err != nil {
		return e.transferFailed(fmt.Errorf("receiver: assemble: %w", err))
	}

	meta, ok := e.store.Meta()
	if !ok {
		return e.transferFailed(chunkstore.ErrNoTransfer)
	}

	res, err := e.pipe.Reverse(raw, meta.Transform)
	if err != nil {
		return e.transferFailed(fmt.Errorf("receiver: reverse transforms: %w", err))
	}

	result := &Result{
		Filename:        meta.Filename,
		Data:            res.Data,
		HashPresent:     meta.FileHash != "",
		CorrectedBlocks: res.CorrectedBlocks,
		DegradedBlocks:  res.DegradedBlocks,
	}
	if result.HashPresent {
		result.HashVerified = protocol.MatchFileHash(meta.FileHash, res.Data)
	}

	if meta.FileSize > 0 && uint64(len(res.Data)) != meta.FileSize {
		logrus.WithFields(logrus.Fields{
			"function": "finalize",
			"got":      len(res.Data),
			"declared": meta.FileSize,
		}).Warn("Reconstructed size differs from declared size")
	}

	e.mu.Lock()
	e.lastResult = result
	e.stats.TransfersCompleted++
	cb := e.onComplete
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "finalize",
		"filename":      result.Filename,
		"bytes":         len(result.Data),
		"hash_verified": result.HashVerified,
		"degraded":      result.DegradedBlocks,
	}).Info("File reconstructed")

	if cb != nil {
		cb(result)
	}
	return nil
}

// transferFailed records a terminal reconstruction failure. Every block of
// the transfer arrived, so nothing is left to retry; the failure is surfaced
// through OnTransferFailed and LastFailure instead of the retry path. The
// finalized generation stays marked so a late duplicate block does not rerun
// the doomed finalization.
func (e *Engine) transferFailed(err error) error {
	e.mu.Lock()
	e.lastFailure = err
	cb := e.onTransferFailed
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "transferFailed",
		"error":    err.Error(),
	}).Error("Transfer failed after full reception")

	if cb != nil {
		cb(err)
	}
	return err
}

// LastFailure returns the most recent terminal reconstruction failure, if
// any. A new transfer announcement clears it.
func (e *Engine) LastFailure() (error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastFailure == nil {
		return nil, false
	}
	return e.lastFailure, true
}

// LastResult returns the most recent completed reconstruction, if any.
func (e *Engine) LastResult() (*Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return nil, false
	}
	return e.lastResult, true
}

// Progress returns the active transfer's completion snapshot.
func (e *Engine) Progress() chunkstore.Progress {
	return e.store.Progress()
}

// Missing returns the indices still wanted by the active transfer.
func (e *Engine) Missing() []int {
	return e.store.Missing()
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ParserStats returns per-format parse counters.
func (e *Engine) ParserStats() protocol.Stats {
	return e.parser.Stats()
}
