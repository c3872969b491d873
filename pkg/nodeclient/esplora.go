package nodeclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forkscope/forkscope/pkg/chain"
)

// Esplora talks to an Esplora style block explorer REST API. Esplora has no
// getchaintips equivalent, so Tips fakes a single active tip from the
// current tip height. This only works well when at least one RPC-capable
// node observes the same network.
type Esplora struct {
	apiURL string
	client *http.Client
}

// EsploraOpts configures an Esplora client.
type EsploraOpts struct {
	// URL is the base API URL, e.g. https://mempool.space/api.
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewEsplora creates an Esplora REST client.
func NewEsplora(o EsploraOpts) *Esplora {
	if o.Timeout <= 0 {
		o.Timeout = 8 * time.Second
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &Esplora{
		apiURL: strings.TrimRight(o.URL, "/"),
		client: client,
	}
}

// Capabilities implements Client.
func (e *Esplora) Capabilities() Capabilities {
	return Capabilities{FetchByHash: true, BatchHeaders: false}
}

// get performs one GET request and returns the body as a string.
func (e *Esplora) get(ctx context.Context, path string) (string, error) {
	url := e.apiURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// Tips implements Client by faking a getchaintips result from the active
// tip height.
func (e *Esplora) Tips(ctx context.Context) ([]chain.Tip, error) {
	body, err := e.get(ctx, "/blocks/tip/height")
	if err != nil {
		return nil, fetchErr("tip height", err)
	}
	height, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		return nil, fetchErr("tip height", fmt.Errorf("invalid height %q: %w", body, err))
	}
	hash, err := e.BlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	return []chain.Tip{{
		Hash:      hash,
		Status:    chain.StatusActive,
		Height:    height,
		BranchLen: 0,
	}}, nil
}

// HeaderByHash implements Client. The returned header carries height zero;
// the caller assigns it from the walk context.
func (e *Esplora) HeaderByHash(ctx context.Context, hash chain.Hash) (chain.Header, error) {
	body, err := e.get(ctx, "/block/"+hash.String()+"/header")
	if err != nil {
		return chain.Header{}, fetchErr("block header", err)
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return chain.Header{}, fetchErr("block header", fmt.Errorf("hex decode header: %w", err))
	}
	h, err := decodeRawHeader(raw)
	if err != nil {
		return chain.Header{}, fetchErr("block header", err)
	}
	return h, nil
}

// HeaderByHeight implements Client.
func (e *Esplora) HeaderByHeight(ctx context.Context, height uint64) (chain.Header, error) {
	hash, err := e.BlockHash(ctx, height)
	if err != nil {
		return chain.Header{}, err
	}
	h, err := e.HeaderByHash(ctx, hash)
	if err != nil {
		return chain.Header{}, err
	}
	h.Height = height
	return h, nil
}

// BlockHash implements Client.
func (e *Esplora) BlockHash(ctx context.Context, height uint64) (chain.Hash, error) {
	body, err := e.get(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return chain.ZeroHash, fetchErr("block hash", err)
	}
	hash, err := chain.ParseHash(body)
	if err != nil {
		return chain.ZeroHash, fetchErr("block hash", err)
	}
	return hash, nil
}

// BatchHeaders is not supported by Esplora.
func (e *Esplora) BatchHeaders(ctx context.Context, startHash chain.Hash, startHeight, count uint64) ([]chain.Header, error) {
	return nil, fetchErr("batch headers", ErrNotSupported)
}

// Version is not available from Esplora.
func (e *Esplora) Version(ctx context.Context) (string, error) {
	return "", fetchErr("version", ErrNotSupported)
}
