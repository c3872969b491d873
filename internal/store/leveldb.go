package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/forkscope/forkscope/pkg/chain"
)

// LevelDB is the embedded store backend. Headers are stored one record per
// key under a per-network prefix; tips and node state are stored as one
// document per network. Every Save goes through a single leveldb.Batch,
// which LevelDB applies atomically.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the store at the given path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func headerKey(networkID int, hash chain.Hash) []byte {
	return []byte(fmt.Sprintf("h/%d/%s", networkID, hash))
}

func headerPrefix(networkID int) []byte {
	return []byte(fmt.Sprintf("h/%d/", networkID))
}

func tipsKey(networkID int) []byte {
	return []byte(fmt.Sprintf("t/%d", networkID))
}

func nodesKey(networkID int) []byte {
	return []byte(fmt.Sprintf("n/%d", networkID))
}

// Load implements Store.
func (s *LevelDB) Load(_ context.Context, networkID int) (*Snapshot, error) {
	snap := &Snapshot{
		Tips:  make(map[int][]chain.Tip),
		Nodes: make(map[int]NodeState),
	}

	iter := s.db.NewIterator(util.BytesPrefix(headerPrefix(networkID)), nil)
	defer iter.Release()
	for iter.Next() {
		var h chain.Header
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			return nil, fmt.Errorf("decode header record %s: %w", iter.Key(), err)
		}
		snap.Headers = append(snap.Headers, h)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate headers for network %d: %w", networkID, err)
	}

	if raw, err := s.db.Get(tipsKey(networkID), nil); err == nil {
		if err := json.Unmarshal(raw, &snap.Tips); err != nil {
			return nil, fmt.Errorf("decode tips for network %d: %w", networkID, err)
		}
	} else if err != leveldb.ErrNotFound {
		return nil, fmt.Errorf("load tips for network %d: %w", networkID, err)
	}

	if raw, err := s.db.Get(nodesKey(networkID), nil); err == nil {
		if err := json.Unmarshal(raw, &snap.Nodes); err != nil {
			return nil, fmt.Errorf("decode node state for network %d: %w", networkID, err)
		}
	} else if err != leveldb.ErrNotFound {
		return nil, fmt.Errorf("load node state for network %d: %w", networkID, err)
	}

	slog.Debug("loaded network state from leveldb",
		"network", networkID,
		"headers", len(snap.Headers),
		"nodes", len(snap.Nodes),
	)
	return snap, nil
}

// Save implements Store.
func (s *LevelDB) Save(_ context.Context, networkID int, delta *Delta) error {
	batch := new(leveldb.Batch)

	for _, h := range delta.NewHeaders {
		raw, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("encode header %s: %w", h.Hash, err)
		}
		batch.Put(headerKey(networkID, h.Hash), raw)
	}

	if delta.Tips != nil {
		raw, err := json.Marshal(delta.Tips)
		if err != nil {
			return fmt.Errorf("encode tips: %w", err)
		}
		batch.Put(tipsKey(networkID), raw)
	}

	if delta.Nodes != nil {
		raw, err := json.Marshal(delta.Nodes)
		if err != nil {
			return fmt.Errorf("encode node state: %w", err)
		}
		batch.Put(nodesKey(networkID), raw)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write batch for network %d: %w", networkID, err)
	}
	return nil
}

// UpdateMiner implements Store.
func (s *LevelDB) UpdateMiner(_ context.Context, networkID int, hash chain.Hash, miner string) error {
	key := headerKey(networkID, hash)
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil // header not persisted yet, the next Save carries the miner
	}
	if err != nil {
		return fmt.Errorf("load header %s: %w", hash, err)
	}
	var h chain.Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("decode header %s: %w", hash, err)
	}
	h.Miner = miner
	updated, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode header %s: %w", hash, err)
	}
	return s.db.Put(key, updated, nil)
}

// Close implements Store.
func (s *LevelDB) Close() error {
	return s.db.Close()
}
