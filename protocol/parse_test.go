package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v2Header(t *testing.T, payload []byte) string {
	t.Helper()
	raw, err := Marshal(&Envelope{
		Format:      FormatV2,
		Index:       0,
		TotalBlocks: 3,
		Payload:     payload,
		Filename:    "backup.tar.gz",
		FileSize:    300,
		FileHash:    TruncatedSHA256([]byte("whole file")),
	})
	require.NoError(t, err)
	return raw
}

func TestParseV2Header(t *testing.T) {
	payload := []byte("first hundred bytes")
	env, err := Parse(v2Header(t, payload))
	require.NoError(t, err)

	assert.Equal(t, FormatV2, env.Format)
	assert.Equal(t, 0, env.Index)
	assert.Equal(t, 3, env.TotalBlocks)
	assert.Equal(t, payload, env.Payload)
	assert.Equal(t, "backup.tar.gz", env.Filename)
	assert.Equal(t, uint64(300), env.FileSize)
	assert.True(t, env.IsHeader())
	assert.True(t, env.VerifyPayloadHash())
}

func TestParseV2DataBlock(t *testing.T) {
	payload := []byte("middle bytes")
	raw := fmt.Sprintf(`{"fmt":"qrfile/v2","index":1,"total":3,"data_b64":%q,"chunk_sha256":%q}`,
		base64.StdEncoding.EncodeToString(payload), TruncatedSHA256(payload))

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Index)
	assert.False(t, env.IsHeader())
	assert.True(t, env.VerifyPayloadHash())
}

func TestParseV2TransformMetadata(t *testing.T) {
	raw := `{"fmt":"qrfile/v2","index":0,"total":2,"data_b64":"","name":"x.bin","size":10,` +
		`"compression_algorithm":"gzip","compression_ratio":41.5,` +
		`"encryption_enabled":true,"encryption_algorithm":"aes-256-gcm","key_ref":"default",` +
		`"rs_enabled":true,"rs_total":255,"rs_data":223,"rs_parity":32}`

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "gzip", env.Transform.Compression)
	assert.InDelta(t, 41.5, env.Transform.CompressionRatio, 0.001)
	assert.Equal(t, "aes-256-gcm", env.Transform.Encryption)
	assert.Equal(t, "default", env.Transform.KeyRef)
	require.NotNil(t, env.Transform.FEC)
	assert.Equal(t, 255, env.Transform.FEC.TotalSymbols)
	assert.Equal(t, 223, env.Transform.FEC.DataSymbols)
	assert.Equal(t, 32, env.Transform.FEC.ParitySymbols)
}

func TestParseV2EncryptionFlagWithoutAlgorithm(t *testing.T) {
	raw := `{"fmt":"qrfile/v2","index":0,"total":1,"data_b64":"","name":"x","encryption_enabled":true}`
	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm", env.Transform.Encryption)
}

func TestParseV1LegacyHashField(t *testing.T) {
	payload := []byte("legacy")
	raw := fmt.Sprintf(`{"fmt":"qrfile/v1","index":0,"total":1,"data_b64":%q,"name":"a.txt","chunk_hash":%q}`,
		base64.StdEncoding.EncodeToString(payload), TruncatedSHA256(payload))

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, FormatV1, env.Format)
	assert.True(t, env.VerifyPayloadHash())
	assert.Nil(t, env.Transform.FEC)
}

func TestParseSimpleFormat(t *testing.T) {
	payload := []byte("simple payload")
	raw := fmt.Sprintf("F:notes.txt:I:2:T:5:D:%s", base64.StdEncoding.EncodeToString(payload))

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, FormatSimple, env.Format)
	assert.Equal(t, 2, env.Index)
	assert.Equal(t, 5, env.TotalBlocks)
	assert.Equal(t, "notes.txt", env.Filename)
	assert.Equal(t, payload, env.Payload)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"truncated json", `{"fmt":"qrfile/v2","index":0`},
		{"missing index", `{"fmt":"qrfile/v2","total":3,"data_b64":""}`},
		{"missing total", `{"fmt":"qrfile/v2","index":0,"data_b64":""}`},
		{"missing payload", `{"fmt":"qrfile/v2","index":0,"total":3}`},
		{"negative index", `{"fmt":"qrfile/v2","index":-1,"total":3,"data_b64":""}`},
		{"zero total", `{"fmt":"qrfile/v2","index":0,"total":0,"data_b64":""}`},
		{"index beyond total", `{"fmt":"qrfile/v2","index":3,"total":3,"data_b64":""}`},
		{"bad fec counts", `{"fmt":"qrfile/v2","index":0,"total":1,"data_b64":"","rs_enabled":true,"rs_total":255,"rs_data":255}`},
		{"simple bad structure", "F:name:X:1:T:2:D:AAAA"},
		{"oversized", "{" + strings.Repeat("x", MaxEnvelopeSize) + "}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestParseUnsupportedFormat(t *testing.T) {
	for _, raw := range []string{
		`{"fmt":"qrfile/v9","index":0,"total":1,"data_b64":""}`,
		"not an envelope at all",
		`{"no_fmt_field":true}`,
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, "raw=%q", raw)
	}
}

func TestParsePayloadDecodeError(t *testing.T) {
	_, err := Parse(`{"fmt":"qrfile/v2","index":0,"total":1,"data_b64":"!!!not base64!!!"}`)
	assert.ErrorIs(t, err, ErrPayloadDecode)

	_, err = Parse("F:n:I:0:T:1:D:!!!bad!!!")
	assert.ErrorIs(t, err, ErrPayloadDecode)
}

func TestVerifyPayloadHashTruncatedPrefix(t *testing.T) {
	payload := []byte("hash me")
	env := &Envelope{Payload: payload, PayloadHash: strings.ToUpper(TruncatedSHA256(payload)[:8])}
	assert.True(t, env.VerifyPayloadHash(), "uppercase truncated prefix must match")

	env.PayloadHash = "deadbeef"
	assert.False(t, env.VerifyPayloadHash())

	env.PayloadHash = ""
	assert.True(t, env.VerifyPayloadHash(), "missing hash verifies trivially")
}

func TestFingerprintStability(t *testing.T) {
	a := &Envelope{Filename: "f.bin", TotalBlocks: 10, FileSize: 999}
	b := &Envelope{Filename: "f.bin", TotalBlocks: 10, FileSize: 999, Index: 7}
	c := &Envelope{Filename: "f.bin", TotalBlocks: 11, FileSize: 999}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "index must not affect identity")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "block count is part of identity")
}

func TestMarshalParseRoundTrip(t *testing.T) {
	orig := &Envelope{
		Format:      FormatV2,
		Index:       1,
		TotalBlocks: 4,
		Payload:     []byte{0x00, 0xff, 0x10},
		Filename:    "data.bin",
		FileSize:    1024,
		FileHash:    "abcdef0123456789",
		Transform: TransformMeta{
			Compression: "zstandard",
			Encryption:  "nacl-secretbox",
			KeyRef:      "session-1",
			FEC:         &FECParams{TotalSymbols: 255, DataSymbols: 239, ParitySymbols: 16},
		},
	}

	raw, err := Marshal(orig)
	require.NoError(t, err)

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, orig.Payload, env.Payload)
	assert.Equal(t, orig.Transform.Compression, env.Transform.Compression)
	assert.Equal(t, orig.Transform.Encryption, env.Transform.Encryption)
	require.NotNil(t, env.Transform.FEC)
	assert.Equal(t, 239, env.Transform.FEC.DataSymbols)
	assert.True(t, env.VerifyPayloadHash(), "Marshal must fill the per-block hash")
}

func TestMarshalSimple(t *testing.T) {
	raw, err := Marshal(&Envelope{
		Format:      FormatSimple,
		Index:       0,
		TotalBlocks: 2,
		Payload:     []byte("hi"),
		Filename:    "greeting.txt",
	})
	require.NoError(t, err)

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), env.Payload)
	assert.Equal(t, "greeting.txt", env.Filename)
}

func TestParserStats(t *testing.T) {
	p := NewParser()

	_, err := p.Parse(v2Header(t, []byte("ok")))
	require.NoError(t, err)
	_, err = p.Parse("garbage")
	require.Error(t, err)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.TotalParsed)
	assert.Equal(t, uint64(1), stats.Successful)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.PerFormat[FormatV2])
}
