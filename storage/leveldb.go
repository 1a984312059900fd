// Package storage provides the durable block store large transfers spill to
// when they outgrow the in-memory threshold. Blocks are persisted in a
// LevelDB-backed datastore keyed by transfer identity and block index.
package storage

import (
	"context"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/sirupsen/logrus"
)

// BlockStore persists block payloads on disk. It satisfies the durable
// storage interface the chunk store spills to.
type BlockStore struct {
	db *dslvl.Datastore
}

// NewBlockStore opens (or creates) a LevelDB datastore under dir.
func NewBlockStore(dir string) (*BlockStore, error) {
	db, err := dslvl.NewDatastore(fmt.Sprintf("%s/blocks", dir), nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open datastore: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewBlockStore",
		"dir":      dir,
	}).Info("Durable block store opened")

	return &BlockStore{db: db}, nil
}

// blockKey builds /transfers/<id>/<zero-padded index>. Zero padding keeps
// lexicographic key order equal to index order.
func blockKey(transferID string, index int) ds.Key {
	return ds.NewKey(fmt.Sprintf("/transfers/%s/%010d", transferID, index))
}

func transferPrefix(transferID string) string {
	return fmt.Sprintf("/transfers/%s", transferID)
}

// StoreBlock persists one block payload.
func (s *BlockStore) StoreBlock(transferID string, index int, data []byte) error {
	if err := s.db.Put(context.Background(), blockKey(transferID, index), data); err != nil {
		return fmt.Errorf("storage: put block %d: %w", index, err)
	}
	return nil
}

// LoadBlock reads one block payload back.
func (s *BlockStore) LoadBlock(transferID string, index int) ([]byte, error) {
	data, err := s.db.Get(context.Background(), blockKey(transferID, index))
	if err != nil {
		return nil, fmt.Errorf("storage: get block %d: %w", index, err)
	}
	return data, nil
}

// DeleteTransfer removes every block persisted for a transfer.
func (s *BlockStore) DeleteTransfer(transferID string) error {
	ctx := context.Background()
	res, err := s.db.Query(ctx, dsq.Query{
		Prefix:   transferPrefix(transferID),
		KeysOnly: true,
	})
	if err != nil {
		return fmt.Errorf("storage: query transfer %s: %w", transferID, err)
	}
	defer res.Close()

	deleted := 0
	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return fmt.Errorf("storage: iterate transfer %s: %w", transferID, r.Error)
		}
		if err := s.db.Delete(ctx, ds.RawKey(r.Key)); err != nil {
			return fmt.Errorf("storage: delete %s: %w", r.Key, err)
		}
		deleted++
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DeleteTransfer",
		"transfer_id": transferID,
		"deleted":     deleted,
	}).Debug("Transfer blocks removed from durable storage")

	return nil
}

// Close flushes and closes the underlying datastore.
func (s *BlockStore) Close() error {
	return s.db.Close()
}
