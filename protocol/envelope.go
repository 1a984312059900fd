// Package protocol parses and serializes the wire envelopes carried by
// optically transmitted blocks.
//
// Three envelope formats are understood: qrfile/v2 (the primary JSON
// format with transform metadata), qrfile/v1 (legacy JSON) and the simple
// colon-separated format. Parsing is pure and stateless; a Parser wraps the
// free functions with per-format statistics.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Format version tags recognized on the wire.
const (
	FormatV2     = "qrfile/v2"
	FormatV1     = "qrfile/v1"
	FormatSimple = "simple"
)

// MaxEnvelopeSize bounds the raw envelope string length. Optical codes top
// out well below this; anything larger is rejected before JSON decoding to
// avoid wasting memory on garbage captures.
const MaxEnvelopeSize = 16 * 1024

// MaxFilenameLength is the maximum accepted filename length in bytes,
// matching typical filesystem limits.
const MaxFilenameLength = 255

var (
	// ErrMalformedEnvelope indicates the string is not a well-formed record.
	// The block stays missing and retry-eligible.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

	// ErrUnsupportedFormat indicates an unrecognized format version tag.
	ErrUnsupportedFormat = errors.New("protocol: unsupported format")

	// ErrPayloadDecode indicates the text-safe payload encoding failed to
	// decode to raw bytes. Recoverable: the block stays missing.
	ErrPayloadDecode = errors.New("protocol: payload decode failed")
)

// FECParams describes the Reed-Solomon variant declared by the sender.
type FECParams struct {
	TotalSymbols  int
	DataSymbols   int
	ParitySymbols int
}

// TransformMeta carries the sender-declared transform chain. Zero values
// mean the corresponding stage was not applied and is skipped on reversal.
type TransformMeta struct {
	// Compression is the algorithm name ("gzip", "zstandard", ...) or
	// empty/"store" for none.
	Compression string

	// CompressionRatio is the sender-reported ratio, informational only.
	CompressionRatio float64

	// Encryption is the algorithm name ("aes-256-gcm", "nacl-secretbox")
	// or empty for none.
	Encryption string

	// KeyRef identifies the key material used for decryption.
	KeyRef string

	// FEC is nil when no forward error correction was applied.
	FEC *FECParams
}

// Envelope is one decoded wire record. Header envelopes (index 0) carry the
// file-level fields; data envelopes carry index, payload and the per-block
// hash. The qrfile/v2 sender repeats file metadata on every block, so data
// envelopes may carry header fields too.
type Envelope struct {
	Format      string
	Index       int
	TotalBlocks int

	// Payload is the decoded raw block payload.
	Payload []byte

	// PayloadHash is the truncated hex SHA-256 of the payload, empty when
	// the sender did not include one.
	PayloadHash string

	// Header fields. Empty/zero on formats or blocks that omit them.
	Filename string
	FileSize uint64
	FileHash string
	HashAlgo string

	Transform TransformMeta
}

// IsHeader reports whether this envelope carries file-level metadata
// capable of initializing a transfer.
func (e *Envelope) IsHeader() bool {
	return e.Filename != "" || e.FileHash != ""
}

// Fingerprint derives a stable transfer identity from the envelope's file
// metadata. Two envelopes with the same filename, block count and size
// belong to the same transfer.
func (e *Envelope) Fingerprint() string {
	name := e.Filename
	if name == "" {
		name = "unknown"
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%d_%d", name, e.TotalBlocks, e.FileSize)))
	return hex.EncodeToString(sum[:8])
}

// VerifyPayloadHash checks the payload against the envelope's truncated
// per-block hash. Envelopes without a hash verify trivially. The expected
// value may be any prefix of the full hex digest; comparison is
// case-insensitive, matching the truncated hashes senders emit.
func (e *Envelope) VerifyPayloadHash() bool {
	return matchTruncatedHash(e.PayloadHash, e.Payload)
}

// matchTruncatedHash compares a possibly truncated hex SHA-256 against the
// digest of data.
func matchTruncatedHash(expected string, data []byte) bool {
	if expected == "" {
		return true
	}
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if len(expected) < len(actual) {
		actual = actual[:len(expected)]
	}
	return strings.EqualFold(actual, expected)
}

// MatchFileHash compares a possibly truncated expected file hash against
// the digest of the reconstructed file bytes.
func MatchFileHash(expected string, data []byte) bool {
	return matchTruncatedHash(expected, data)
}
