package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// simplePattern matches the simple colon format F:<name>:I:<idx>:T:<total>:D:<b64>.
var simplePattern = regexp.MustCompile(`^F:[^:]+:I:\d+:T:\d+:D:`)

// wireV2 mirrors the qrfile/v2 and qrfile/v1 JSON layouts. Pointer fields
// distinguish absent values from zero values for required-field checks.
type wireV2 struct {
	Fmt     string  `json:"fmt"`
	Index   *int    `json:"index"`
	Total   *int    `json:"total"`
	DataB64 *string `json:"data_b64"`

	Name       string  `json:"name,omitempty"`
	Size       uint64  `json:"size,omitempty"`
	Algo       string  `json:"algo,omitempty"`
	ChunkSHA   string  `json:"chunk_sha256,omitempty"`
	ChunkHash  string  `json:"chunk_hash,omitempty"` // v1 field name
	FileSHA    string  `json:"file_sha256,omitempty"`
	Compress   string  `json:"compression_algorithm,omitempty"`
	Ratio      float64 `json:"compression_ratio,omitempty"`
	EncEnabled bool    `json:"encryption_enabled,omitempty"`
	EncAlgo    string  `json:"encryption_algorithm,omitempty"`
	KeyRef     string  `json:"key_ref,omitempty"`
	RSEnabled  bool    `json:"rs_enabled,omitempty"`
	RSTotal    int     `json:"rs_total,omitempty"`
	RSData     int     `json:"rs_data,omitempty"`
	RSParity   int     `json:"rs_parity,omitempty"`
}

// DetectFormat classifies a raw envelope string without fully parsing it.
func DetectFormat(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var probe struct {
			Fmt string `json:"fmt"`
		}
		if err := json.Unmarshal([]byte(trimmed), &probe); err == nil {
			switch strings.ToLower(probe.Fmt) {
			case FormatV2:
				return FormatV2
			case FormatV1:
				return FormatV1
			}
		}
		return ""
	}
	if simplePattern.MatchString(raw) {
		return FormatSimple
	}
	return ""
}

// Parse decodes a raw envelope string into an Envelope. It fails with
// ErrMalformedEnvelope for structural problems, ErrUnsupportedFormat for
// unknown format tags and ErrPayloadDecode when the base64 payload does not
// decode; all three leave the block missing and retry-eligible.
func Parse(raw string) (*Envelope, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedEnvelope)
	}
	if len(raw) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrMalformedEnvelope, len(raw), MaxEnvelopeSize)
	}

	switch DetectFormat(raw) {
	case FormatV2:
		return parseJSON(raw, FormatV2)
	case FormatV1:
		return parseJSON(raw, FormatV1)
	case FormatSimple:
		return parseSimple(raw)
	}

	// Distinguish broken JSON from a well-formed record with an unknown
	// format tag: both leave the block retry-eligible, but they are counted
	// and logged differently.
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var probe struct {
			Fmt string `json:"fmt"`
		}
		if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, probe.Fmt)
	}
	return nil, fmt.Errorf("%w: unrecognized envelope", ErrUnsupportedFormat)
}

func parseJSON(raw, format string) (*Envelope, error) {
	var w wireV2
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if w.Index == nil || w.Total == nil || w.DataB64 == nil {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedEnvelope)
	}
	if err := validateIndices(*w.Index, *w.Total); err != nil {
		return nil, err
	}
	if len(w.Name) > MaxFilenameLength {
		return nil, fmt.Errorf("%w: filename too long", ErrMalformedEnvelope)
	}

	payload, err := base64.StdEncoding.DecodeString(*w.DataB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}

	env := &Envelope{
		Format:      format,
		Index:       *w.Index,
		TotalBlocks: *w.Total,
		Payload:     payload,
		Filename:    w.Name,
		FileSize:    w.Size,
		HashAlgo:    w.Algo,
	}
	if env.HashAlgo == "" {
		env.HashAlgo = "sha256"
	}

	if format == FormatV2 {
		env.PayloadHash = w.ChunkSHA
		env.FileHash = w.FileSHA
		env.Transform = TransformMeta{
			Compression:      w.Compress,
			CompressionRatio: w.Ratio,
			KeyRef:           w.KeyRef,
		}
		if w.EncEnabled {
			env.Transform.Encryption = w.EncAlgo
			if env.Transform.Encryption == "" {
				env.Transform.Encryption = "aes-256-gcm"
			}
		}
		if w.RSEnabled {
			params, err := fecParams(w.RSTotal, w.RSData, w.RSParity)
			if err != nil {
				return nil, err
			}
			env.Transform.FEC = params
		}
	} else {
		// v1 has limited metadata and a different per-block hash field.
		env.PayloadHash = w.ChunkHash
	}

	logrus.WithFields(logrus.Fields{
		"function": "Parse",
		"format":   format,
		"index":    env.Index,
		"total":    env.TotalBlocks,
	}).Debug("Envelope parsed")

	return env, nil
}

// fecParams validates the declared symbol counts, filling the parity count
// from the other two when the sender omitted it.
func fecParams(total, data, parity int) (*FECParams, error) {
	if total <= 0 || data <= 0 || data >= total {
		return nil, fmt.Errorf("%w: invalid FEC symbol counts %d/%d/%d", ErrMalformedEnvelope, total, data, parity)
	}
	if parity == 0 {
		parity = total - data
	}
	if parity != total-data {
		return nil, fmt.Errorf("%w: FEC parity count %d inconsistent with %d/%d", ErrMalformedEnvelope, parity, total, data)
	}
	return &FECParams{TotalSymbols: total, DataSymbols: data, ParitySymbols: parity}, nil
}

func parseSimple(raw string) (*Envelope, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 8 || parts[0] != "F" || parts[2] != "I" || parts[4] != "T" || parts[6] != "D" {
		return nil, fmt.Errorf("%w: invalid simple format structure", ErrMalformedEnvelope)
	}

	index, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad index: %v", ErrMalformedEnvelope, err)
	}
	total, err := strconv.Atoi(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: bad total: %v", ErrMalformedEnvelope, err)
	}
	if err := validateIndices(index, total); err != nil {
		return nil, err
	}

	// The payload is everything after the D marker; base64 never contains
	// colons but rejoining keeps garbage captures inspectable.
	dataPart := strings.Join(parts[7:], ":")
	payload, err := base64.StdEncoding.DecodeString(dataPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}

	return &Envelope{
		Format:      FormatSimple,
		Index:       index,
		TotalBlocks: total,
		Payload:     payload,
		Filename:    parts[1],
	}, nil
}

func validateIndices(index, total int) error {
	if total <= 0 {
		return fmt.Errorf("%w: total blocks %d", ErrMalformedEnvelope, total)
	}
	if index < 0 || index >= total {
		return fmt.Errorf("%w: index %d outside [0,%d)", ErrMalformedEnvelope, index, total)
	}
	return nil
}

// Stats aggregates parser outcomes per format.
type Stats struct {
	TotalParsed uint64
	Successful  uint64
	Failed      uint64
	PerFormat   map[string]uint64
}

// Parser wraps Parse with outcome statistics. Safe for concurrent use.
type Parser struct {
	mu    sync.Mutex
	stats Stats
}

// NewParser creates a stat-tracking parser.
func NewParser() *Parser {
	return &Parser{stats: Stats{PerFormat: make(map[string]uint64)}}
}

// Parse decodes a raw envelope string, recording the outcome.
func (p *Parser) Parse(raw string) (*Envelope, error) {
	env, err := Parse(raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalParsed++
	if err != nil {
		p.stats.Failed++
		return nil, err
	}
	p.stats.Successful++
	p.stats.PerFormat[env.Format]++
	return env, nil
}

// Stats returns a snapshot of the parser's counters.
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.stats
	snapshot.PerFormat = make(map[string]uint64, len(p.stats.PerFormat))
	for k, v := range p.stats.PerFormat {
		snapshot.PerFormat[k] = v
	}
	return snapshot
}
