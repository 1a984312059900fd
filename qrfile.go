// Package qrfile reconstructs files transmitted one block at a time over a
// lossy, one-way optical channel. Each captured code carries one envelope;
// feed them to a Receiver in any order and it reassembles, repairs and
// verifies the original file.
//
// The heavy lifting lives in the subpackages: protocol (envelope formats),
// chunkstore (reassembly state), retry (timeout-driven re-acquisition),
// pipeline (FEC, decryption, decompression) and storage (durable spill for
// large transfers). This package wires them together behind one
// constructor.
package qrfile

import (
	"github.com/opd-ai/qrfile/chunkstore"
	"github.com/opd-ai/qrfile/config"
	"github.com/opd-ai/qrfile/receiver"
	"github.com/opd-ai/qrfile/storage"
)

// Receiver is the assembled receiving engine.
type Receiver struct {
	*receiver.Engine

	durable *storage.BlockStore
}

// NewReceiver builds a Receiver from configuration, opening the durable
// block store unless the configuration is memory-only. A nil capture source
// disables active re-acquisition; blocks then arrive only through
// ProcessEnvelope.
func NewReceiver(cfg *config.Config, capture receiver.CaptureSource) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var durable *storage.BlockStore
	var spill chunkstore.DurableStore
	if !cfg.MemoryOnly {
		var err error
		durable, err = storage.NewBlockStore(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		spill = durable
	}

	return &Receiver{
		Engine:  receiver.New(cfg, capture, spill),
		durable: durable,
	}, nil
}

// Close stops background work and releases the durable store.
func (r *Receiver) Close() error {
	r.Stop()
	if r.durable != nil {
		return r.durable.Close()
	}
	return nil
}
