// Package nodeclient talks to the data sources forkscope observes: Bitcoin
// Core style JSON-RPC/REST nodes and Esplora style REST APIs. Implementations
// are selected at configuration time; the reconciler only sees the Client
// interface and the capability set.
package nodeclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/forkscope/forkscope/pkg/chain"
)

// ErrNotSupported is returned for operations a data source cannot perform,
// e.g. fetching a non-active header by hash from a height-only source.
var ErrNotSupported = errors.New("operation not supported by this data source")

// FetchError wraps any node-side failure: connection errors, timeouts, RPC
// errors and malformed responses. The reconciler treats all of them the same
// way: mark the node unreachable for the cycle and move on.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func fetchErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Op: op, Err: err}
}

// Capabilities describes what a data source can do. Some sources fetch
// headers only by height (and therefore only from their active chain), some
// by hash; some support batched header fetches.
type Capabilities struct {
	// FetchByHash is true when headers can be fetched by block hash. Only
	// hash-capable sources can backfill non-active branches.
	FetchByHash bool
	// BatchHeaders is true when BatchHeaders is implemented as a single
	// round trip for a run of active-chain headers.
	BatchHeaders bool
}

// Client is one node's view of the chain.
//
// HeaderByHash and BatchHeaders may return headers with Height zero; the
// reconciler assigns heights from its walk context.
type Client interface {
	Capabilities() Capabilities

	// Tips returns the node's current chain tips (getchaintips-equivalent).
	// Exactly one tip has status active.
	Tips(ctx context.Context) ([]chain.Tip, error)

	// HeaderByHash fetches a single header by block hash.
	HeaderByHash(ctx context.Context, hash chain.Hash) (chain.Header, error)

	// HeaderByHeight fetches the active-chain header at the given height.
	HeaderByHeight(ctx context.Context, height uint64) (chain.Header, error)

	// BlockHash returns the active-chain block hash at the given height.
	BlockHash(ctx context.Context, height uint64) (chain.Hash, error)

	// BatchHeaders fetches up to count successive active-chain headers
	// starting at startHash/startHeight.
	BatchHeaders(ctx context.Context, startHash chain.Hash, startHeight, count uint64) ([]chain.Header, error)

	// Version returns the node implementation and version string,
	// best-effort, queried once at startup.
	Version(ctx context.Context) (string, error)
}
