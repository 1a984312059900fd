package qrfile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/qrfile/config"
	"github.com/opd-ai/qrfile/protocol"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DownloadDir:        t.TempDir(),
		StateDir:           t.TempDir(),
		MemoryOnly:         true,
		MemoryThreshold:    1 << 20,
		MaxBlocks:          100,
		BlockTimeout:       30 * time.Second,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      10 * time.Second,
		RetryJitterMax:     100 * time.Millisecond,
		RetryBackoffFactor: 2.0,
		RetryMaxAttempts:   3,
		RetryMaxConcurrent: 2,
		LogLevel:           "info",
	}
}

func TestNewReceiverRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.BlockTimeout = 0

	_, err := NewReceiver(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestReceiverEndToEnd(t *testing.T) {
	r, err := NewReceiver(validConfig(t), nil)
	require.NoError(t, err)
	defer r.Close()

	file := []byte("facade level round trip")
	raw, err := protocol.Marshal(&protocol.Envelope{
		Index:       0,
		TotalBlocks: 1,
		Payload:     file,
		Filename:    "hello.txt",
		FileSize:    uint64(len(file)),
		FileHash:    protocol.TruncatedSHA256(file),
	})
	require.NoError(t, err)

	require.NoError(t, r.ProcessEnvelope(raw))

	res, ok := r.LastResult()
	require.True(t, ok)
	assert.Equal(t, file, res.Data)
	assert.True(t, res.HashVerified)
}

func TestReceiverWithDurableStore(t *testing.T) {
	cfg := validConfig(t)
	cfg.MemoryOnly = false
	cfg.MemoryThreshold = 4 // force spilling immediately

	r, err := NewReceiver(cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	file := []byte("spills to leveldb after the first handful of bytes")
	blockSize := 16
	total := (len(file) + blockSize - 1) / blockSize
	fileHash := protocol.TruncatedSHA256(file)

	for i := 0; i < total; i++ {
		end := (i + 1) * blockSize
		if end > len(file) {
			end = len(file)
		}
		raw, err := protocol.Marshal(&protocol.Envelope{
			Index:       i,
			TotalBlocks: total,
			Payload:     file[i*blockSize : end],
			Filename:    "big.bin",
			FileSize:    uint64(len(file)),
			FileHash:    fileHash,
		})
		require.NoError(t, err)
		require.NoError(t, r.ProcessEnvelope(raw))
	}

	res, ok := r.LastResult()
	require.True(t, ok)
	assert.Equal(t, file, res.Data)
	assert.True(t, res.HashVerified)
}
