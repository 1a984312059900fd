// Package pipeline reverses the sender-side transform chain on assembled
// file bytes. Stages run in the fixed order forward error correction,
// decryption, decompression; stages the sender did not declare are skipped.
//
// FEC damage is degraded-but-continue: uncorrectable blocks keep their
// uncorrected bytes and are counted, because later stages or the final hash
// check decide whether the file is usable. Decryption and decompression
// failures are fatal; there is nothing useful downstream of garbage
// plaintext.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qrfile/protocol"
)

var (
	// ErrDecryptionFailed indicates authentication or key derivation failed.
	ErrDecryptionFailed = errors.New("pipeline: decryption failed")

	// ErrUnsupportedAlgorithm indicates the sender declared an algorithm
	// this receiver does not implement.
	ErrUnsupportedAlgorithm = errors.New("pipeline: unsupported algorithm")

	// ErrDecompressionFailed indicates the compressed stream is invalid.
	ErrDecompressionFailed = errors.New("pipeline: decompression failed")

	// ErrMissingKey indicates encrypted data arrived but no key material is
	// configured.
	ErrMissingKey = errors.New("pipeline: no key material for encrypted transfer")
)

// KeySource supplies passphrase material for encrypted transfers. The keyRef
// comes from the envelope's transform metadata and may be empty.
type KeySource interface {
	Passphrase(keyRef string) (string, error)
}

// StaticKeySource returns the same passphrase for every key reference.
type StaticKeySource string

// Passphrase returns the configured passphrase.
func (s StaticKeySource) Passphrase(string) (string, error) {
	if s == "" {
		return "", ErrMissingKey
	}
	return string(s), nil
}

// Result is the outcome of reversing the transform chain.
type Result struct {
	// Data is the reconstructed file bytes.
	Data []byte

	// DegradedBlocks counts FEC blocks whose errors exceeded the correction
	// capability. Zero means the payload decoded cleanly.
	DegradedBlocks int

	// CorrectedBlocks counts FEC blocks that carried errors within the
	// correction capability.
	CorrectedBlocks int
}

// Pipeline reverses transform chains using configured key material.
type Pipeline struct {
	keys KeySource
}

// New creates a pipeline. A nil key source rejects encrypted transfers.
func New(keys KeySource) *Pipeline {
	return &Pipeline{keys: keys}
}

// Reverse applies the reverse transform chain declared in meta to data.
func (p *Pipeline) Reverse(data []byte, meta protocol.TransformMeta) (*Result, error) {
	result := &Result{Data: data}

	if meta.FEC != nil {
		decoded, corrected, degraded, err := reverseFEC(result.Data, meta.FEC)
		if err != nil {
			return nil, err
		}
		result.Data = decoded
		result.CorrectedBlocks = corrected
		result.DegradedBlocks = degraded
	}

	if meta.Encryption != "" {
		if p.keys == nil {
			return nil, ErrMissingKey
		}
		pass, err := p.keys.Passphrase(meta.KeyRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingKey, err)
		}
		plain, err := decrypt(result.Data, meta.Encryption, pass)
		if err != nil {
			return nil, err
		}
		result.Data = plain
	}

	if meta.Compression != "" {
		plain, err := decompress(result.Data, meta.Compression)
		if err != nil {
			return nil, err
		}
		result.Data = plain
	}

	logrus.WithFields(logrus.Fields{
		"function":         "Reverse",
		"compression":      meta.Compression,
		"encryption":       meta.Encryption,
		"fec":              meta.FEC != nil,
		"output_bytes":     len(result.Data),
		"degraded_blocks":  result.DegradedBlocks,
		"corrected_blocks": result.CorrectedBlocks,
	}).Debug("Transform chain reversed")

	return result, nil
}
