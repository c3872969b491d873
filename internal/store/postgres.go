package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forkscope/forkscope/pkg/chain"
)

// Postgres is the PostgreSQL store backend. One transaction per Save covers
// all headers and statuses touched in that cycle.
type Postgres struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS headers (
	network  INT    NOT NULL,
	hash     TEXT   NOT NULL,
	height   BIGINT NOT NULL,
	header   JSONB  NOT NULL,
	miner    TEXT   NOT NULL DEFAULT '',
	PRIMARY KEY (network, hash)
);
CREATE TABLE IF NOT EXISTS node_tips (
	network  INT   NOT NULL,
	node_id  INT   NOT NULL,
	tips     JSONB NOT NULL,
	PRIMARY KEY (network, node_id)
);
CREATE TABLE IF NOT EXISTS node_state (
	network      INT    NOT NULL,
	node_id      INT    NOT NULL,
	reachable    BOOL   NOT NULL,
	version      TEXT   NOT NULL,
	last_changed BIGINT NOT NULL,
	PRIMARY KEY (network, node_id)
);
`

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Load implements Store.
func (s *Postgres) Load(ctx context.Context, networkID int) (*Snapshot, error) {
	snap := &Snapshot{
		Tips:  make(map[int][]chain.Tip),
		Nodes: make(map[int]NodeState),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT header, miner FROM headers WHERE network = $1 ORDER BY height`, networkID)
	if err != nil {
		return nil, fmt.Errorf("query headers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		var miner string
		if err := rows.Scan(&raw, &miner); err != nil {
			return nil, fmt.Errorf("scan header: %w", err)
		}
		var h chain.Header
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("decode header record: %w", err)
		}
		h.Miner = miner
		snap.Headers = append(snap.Headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate headers: %w", err)
	}

	tipRows, err := s.pool.Query(ctx,
		`SELECT node_id, tips FROM node_tips WHERE network = $1`, networkID)
	if err != nil {
		return nil, fmt.Errorf("query tips: %w", err)
	}
	defer tipRows.Close()
	for tipRows.Next() {
		var nodeID int
		var raw []byte
		if err := tipRows.Scan(&nodeID, &raw); err != nil {
			return nil, fmt.Errorf("scan tips: %w", err)
		}
		var tips []chain.Tip
		if err := json.Unmarshal(raw, &tips); err != nil {
			return nil, fmt.Errorf("decode tips for node %d: %w", nodeID, err)
		}
		snap.Tips[nodeID] = tips
	}
	if err := tipRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tips: %w", err)
	}

	stateRows, err := s.pool.Query(ctx,
		`SELECT node_id, reachable, version, last_changed FROM node_state WHERE network = $1`, networkID)
	if err != nil {
		return nil, fmt.Errorf("query node state: %w", err)
	}
	defer stateRows.Close()
	for stateRows.Next() {
		var nodeID int
		var state NodeState
		if err := stateRows.Scan(&nodeID, &state.Reachable, &state.Version, &state.LastChanged); err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		snap.Nodes[nodeID] = state
	}
	if err := stateRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node state: %w", err)
	}

	return snap, nil
}

// Save implements Store. Everything goes into one transaction.
func (s *Postgres) Save(ctx context.Context, networkID int, delta *Delta) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, h := range delta.NewHeaders {
		raw, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("encode header %s: %w", h.Hash, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO headers (network, hash, height, header, miner)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (network, hash) DO NOTHING`,
			networkID, h.Hash.String(), h.Height, raw, h.Miner,
		); err != nil {
			return fmt.Errorf("insert header %s: %w", h.Hash, err)
		}
	}

	for nodeID, tips := range delta.Tips {
		raw, err := json.Marshal(tips)
		if err != nil {
			return fmt.Errorf("encode tips for node %d: %w", nodeID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO node_tips (network, node_id, tips) VALUES ($1, $2, $3)
			 ON CONFLICT (network, node_id) DO UPDATE SET tips = EXCLUDED.tips`,
			networkID, nodeID, raw,
		); err != nil {
			return fmt.Errorf("upsert tips for node %d: %w", nodeID, err)
		}
	}

	for nodeID, state := range delta.Nodes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO node_state (network, node_id, reachable, version, last_changed)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (network, node_id) DO UPDATE SET
			   reachable = EXCLUDED.reachable,
			   version = EXCLUDED.version,
			   last_changed = EXCLUDED.last_changed`,
			networkID, nodeID, state.Reachable, state.Version, state.LastChanged,
		); err != nil {
			return fmt.Errorf("upsert state for node %d: %w", nodeID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateMiner implements Store.
func (s *Postgres) UpdateMiner(ctx context.Context, networkID int, hash chain.Hash, miner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE headers SET miner = $3 WHERE network = $1 AND hash = $2`,
		networkID, hash.String(), miner)
	if err != nil {
		return fmt.Errorf("update miner for %s: %w", hash, err)
	}
	return nil
}

// Close implements Store.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
