package pipeline

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qrfile/protocol"
	"github.com/opd-ai/qrfile/rs"
)

// reverseFEC strips Reed-Solomon parity from the assembled bytes. The
// sender encodes consecutive full codewords; a trailing remnant shorter
// than one codeword was never expanded and passes through unchanged.
//
// Uncorrectable codewords keep their uncorrected data prefix and are
// counted rather than failing the whole file.
func reverseFEC(data []byte, params *protocol.FECParams) ([]byte, int, int, error) {
	codec, err := rs.New(params.TotalSymbols, params.DataSymbols)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: rs(%d,%d): %v",
			ErrUnsupportedAlgorithm, params.TotalSymbols, params.DataSymbols, err)
	}

	n := params.TotalSymbols
	out := make([]byte, 0, len(data)/n*params.DataSymbols+n)
	corrected, degraded := 0, 0

	offset := 0
	for ; offset+n <= len(data); offset += n {
		block := data[offset : offset+n]
		decoded, err := codec.Decode(block)
		switch {
		case err == nil:
			// Decode reports nothing about whether corrections happened;
			// compare against a clean re-encode to count them.
			if !sameCodeword(codec, decoded, block) {
				corrected++
			}
		case errors.Is(err, rs.ErrUncorrectable):
			degraded++
			logrus.WithFields(logrus.Fields{
				"function": "reverseFEC",
				"offset":   offset,
			}).Warn("Uncorrectable FEC block, keeping damaged bytes")
		default:
			return nil, 0, 0, fmt.Errorf("pipeline: fec decode at offset %d: %w", offset, err)
		}
		out = append(out, decoded...)
	}
	out = append(out, data[offset:]...)

	return out, corrected, degraded, nil
}

func sameCodeword(codec *rs.Codec, decoded, received []byte) bool {
	clean, err := codec.Encode(decoded)
	if err != nil {
		return false
	}
	return bytes.Equal(clean, received)
}
