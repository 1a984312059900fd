package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BlockStore {
	t.Helper()
	s, err := NewBlockStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	payload := []byte{0x00, 0x01, 0xff, 0x7f}
	require.NoError(t, s.StoreBlock("transfer-a", 3, payload))

	got, err := s.LoadBlock("transfer-a", 3)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLoadMissingBlock(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadBlock("transfer-a", 0)
	assert.Error(t, err)
}

func TestTransfersAreIsolated(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StoreBlock("transfer-a", 0, []byte("a0")))
	require.NoError(t, s.StoreBlock("transfer-b", 0, []byte("b0")))

	got, err := s.LoadBlock("transfer-b", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("b0"), got)
}

func TestDeleteTransferRemovesOnlyItsBlocks(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.StoreBlock("doomed", i, []byte{byte(i)}))
	}
	require.NoError(t, s.StoreBlock("survivor", 0, []byte("keep")))

	require.NoError(t, s.DeleteTransfer("doomed"))

	for i := 0; i < 5; i++ {
		_, err := s.LoadBlock("doomed", i)
		assert.Error(t, err, "block %d should be gone", i)
	}
	got, err := s.LoadBlock("survivor", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}

func TestOverwriteBlock(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StoreBlock("t", 0, []byte("old")))
	require.NoError(t, s.StoreBlock("t", 0, []byte("new")))

	got, err := s.LoadBlock("t", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}
