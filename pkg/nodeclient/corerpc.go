package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/forkscope/forkscope/pkg/chain"
)

// CoreRPC talks to a Bitcoin Core compatible node over JSON-RPC, optionally
// using the REST interface as a batch fast path for active-chain headers.
type CoreRPC struct {
	rpcURL   string
	restURL  string
	user     string
	password string
	useREST  bool
	client   *http.Client
}

// CoreRPCOpts configures a CoreRPC client.
type CoreRPCOpts struct {
	// URL is the host:port of the node's RPC interface.
	URL      string
	User     string
	Password string
	// UseREST enables the REST /rest/headers batch fast path. The node must
	// run with -rest=1.
	UseREST bool
	Timeout time.Duration
	// HTTPClient overrides the default client, used in tests.
	HTTPClient *http.Client
}

// NewCoreRPC creates a Bitcoin Core RPC client.
func NewCoreRPC(o CoreRPCOpts) *CoreRPC {
	if o.Timeout <= 0 {
		o.Timeout = 8 * time.Second
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &CoreRPC{
		rpcURL:   "http://" + o.URL + "/",
		restURL:  "http://" + o.URL,
		user:     o.User,
		password: o.Password,
		useREST:  o.UseREST,
		client:   client,
	}
}

// Capabilities implements Client.
func (c *CoreRPC) Capabilities() Capabilities {
	return Capabilities{FetchByHash: true, BatchHeaders: c.useREST}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC call and unmarshals the result into out.
func (c *CoreRPC) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "forkscope",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

type chainTipResult struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	BranchLen uint64 `json:"branchlen"`
	Status    string `json:"status"`
}

// Tips implements Client via the getchaintips RPC.
func (c *CoreRPC) Tips(ctx context.Context) ([]chain.Tip, error) {
	var raw []chainTipResult
	if err := c.call(ctx, "getchaintips", nil, &raw); err != nil {
		return nil, fetchErr("getchaintips", err)
	}
	tips := make([]chain.Tip, 0, len(raw))
	for _, t := range raw {
		hash, err := chain.ParseHash(t.Hash)
		if err != nil {
			return nil, fetchErr("getchaintips", err)
		}
		status, err := chain.ParseTipStatus(t.Status)
		if err != nil {
			return nil, fetchErr("getchaintips", err)
		}
		tips = append(tips, chain.Tip{
			Hash:      hash,
			Status:    status,
			Height:    t.Height,
			BranchLen: t.BranchLen,
		})
	}
	return tips, nil
}

type blockHeaderResult struct {
	Hash       string `json:"hash"`
	Height     uint64 `json:"height"`
	Version    int32  `json:"version"`
	MerkleRoot string `json:"merkleroot"`
	Time       uint32 `json:"time"`
	Nonce      uint32 `json:"nonce"`
	Bits       string `json:"bits"`
	PrevHash   string `json:"previousblockhash"`
}

func (r blockHeaderResult) toHeader() (chain.Header, error) {
	hash, err := chain.ParseHash(r.Hash)
	if err != nil {
		return chain.Header{}, err
	}
	merkle, err := chain.ParseHash(r.MerkleRoot)
	if err != nil {
		return chain.Header{}, err
	}
	prev := chain.ZeroHash
	if r.PrevHash != "" {
		if prev, err = chain.ParseHash(r.PrevHash); err != nil {
			return chain.Header{}, err
		}
	}
	bits, err := strconv.ParseUint(r.Bits, 16, 32)
	if err != nil {
		return chain.Header{}, fmt.Errorf("invalid bits %q: %w", r.Bits, err)
	}
	return chain.Header{
		Hash:       hash,
		PrevHash:   prev,
		Height:     r.Height,
		Time:       r.Time,
		Bits:       uint32(bits),
		Nonce:      r.Nonce,
		Version:    r.Version,
		MerkleRoot: merkle,
	}, nil
}

// HeaderByHash implements Client via the getblockheader RPC.
func (c *CoreRPC) HeaderByHash(ctx context.Context, hash chain.Hash) (chain.Header, error) {
	var raw blockHeaderResult
	if err := c.call(ctx, "getblockheader", []any{hash.String(), true}, &raw); err != nil {
		return chain.Header{}, fetchErr("getblockheader", err)
	}
	h, err := raw.toHeader()
	if err != nil {
		return chain.Header{}, fetchErr("getblockheader", err)
	}
	return h, nil
}

// HeaderByHeight is not needed for hash-capable sources.
func (c *CoreRPC) HeaderByHeight(ctx context.Context, height uint64) (chain.Header, error) {
	hash, err := c.BlockHash(ctx, height)
	if err != nil {
		return chain.Header{}, err
	}
	return c.HeaderByHash(ctx, hash)
}

// BlockHash implements Client via the getblockhash RPC.
func (c *CoreRPC) BlockHash(ctx context.Context, height uint64) (chain.Hash, error) {
	var raw string
	if err := c.call(ctx, "getblockhash", []any{height}, &raw); err != nil {
		return chain.ZeroHash, fetchErr("getblockhash", err)
	}
	hash, err := chain.ParseHash(raw)
	if err != nil {
		return chain.ZeroHash, fetchErr("getblockhash", err)
	}
	return hash, nil
}

// BatchHeaders implements Client via the REST headers endpoint. Returned
// headers carry height zero; the caller assigns startHeight + index.
func (c *CoreRPC) BatchHeaders(ctx context.Context, startHash chain.Hash, startHeight, count uint64) ([]chain.Header, error) {
	if !c.useREST {
		return nil, fetchErr("rest headers", ErrNotSupported)
	}

	url := fmt.Sprintf("%s/rest/headers/%d/%s.bin", c.restURL, count, startHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetchErr("rest headers", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fetchErr("rest headers", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fetchErr("rest headers",
			fmt.Errorf("GET %s: %s: %s", url, resp.Status, bytes.TrimSpace(body)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fetchErr("rest headers", err)
	}
	headers, err := splitRawHeaders(raw)
	if err != nil {
		return nil, fetchErr("rest headers", err)
	}
	return headers, nil
}

type networkInfoResult struct {
	Subversion string `json:"subversion"`
}

// Version implements Client via the getnetworkinfo RPC. The RPC exposes
// sensitive information, so restricted RPC whitelists may deny it; callers
// treat a failure as "unknown".
func (c *CoreRPC) Version(ctx context.Context) (string, error) {
	var raw networkInfoResult
	if err := c.call(ctx, "getnetworkinfo", nil, &raw); err != nil {
		return "", fetchErr("getnetworkinfo", err)
	}
	return raw.Subversion, nil
}
