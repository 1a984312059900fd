package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TruncatedHashLength is the hex-digit count senders use for the per-block
// and whole-file hashes.
const TruncatedHashLength = 16

// TruncatedSHA256 returns the first TruncatedHashLength hex digits of the
// SHA-256 digest of data.
func TruncatedSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:TruncatedHashLength]
}

// Marshal serializes an envelope to its wire string. qrfile/v2 and the
// simple format are supported for output; qrfile/v1 is parse-only legacy.
// The per-block hash is computed from the payload when not already set.
func Marshal(env *Envelope) (string, error) {
	switch env.Format {
	case FormatV2, "":
		return marshalV2(env)
	case FormatSimple:
		return marshalSimple(env)
	default:
		return "", fmt.Errorf("%w: cannot serialize %q", ErrUnsupportedFormat, env.Format)
	}
}

func marshalV2(env *Envelope) (string, error) {
	if err := validateIndices(env.Index, env.TotalBlocks); err != nil {
		return "", err
	}

	index := env.Index
	total := env.TotalBlocks
	data := base64.StdEncoding.EncodeToString(env.Payload)

	w := wireV2{
		Fmt:      FormatV2,
		Index:    &index,
		Total:    &total,
		DataB64:  &data,
		Name:     env.Filename,
		Size:     env.FileSize,
		Algo:     env.HashAlgo,
		FileSHA:  env.FileHash,
		Compress: env.Transform.Compression,
		Ratio:    env.Transform.CompressionRatio,
		KeyRef:   env.Transform.KeyRef,
	}
	if w.Algo == "" {
		w.Algo = "sha256"
	}
	w.ChunkSHA = env.PayloadHash
	if w.ChunkSHA == "" {
		w.ChunkSHA = TruncatedSHA256(env.Payload)
	}
	if env.Transform.Encryption != "" {
		w.EncEnabled = true
		w.EncAlgo = env.Transform.Encryption
	}
	if fec := env.Transform.FEC; fec != nil {
		w.RSEnabled = true
		w.RSTotal = fec.TotalSymbols
		w.RSData = fec.DataSymbols
		w.RSParity = fec.ParitySymbols
	}

	out, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return string(out), nil
}

func marshalSimple(env *Envelope) (string, error) {
	if err := validateIndices(env.Index, env.TotalBlocks); err != nil {
		return "", err
	}
	name := env.Filename
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("F:%s:I:%d:T:%d:D:%s",
		name, env.Index, env.TotalBlocks,
		base64.StdEncoding.EncodeToString(env.Payload)), nil
}
