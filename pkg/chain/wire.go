package chain

// JSON wire types served by the API. The visualization front-end and the RSS
// layer depend on these field names; change them and the front-end breaks.

// RootPrevID marks a header without a parent in the exported graph.
const RootPrevID = -1

// HeaderJSON is one header in the data.json export. ID and PrevID are
// positions in the exported array, not stable identifiers.
type HeaderJSON struct {
	ID         int     `json:"id"`
	PrevID     int     `json:"prev_id"`
	Height     uint64  `json:"height"`
	Hash       string  `json:"hash"`
	Version    int32   `json:"version"`
	PrevHash   string  `json:"prev_blockhash"`
	MerkleRoot string  `json:"merkle_root"`
	Time       uint32  `json:"time"`
	Bits       uint32  `json:"bits"`
	Nonce      uint32  `json:"nonce"`
	Difficulty float64 `json:"difficulty"`
	Miner      string  `json:"miner"`
}

// TipJSON is one currently reported tip of a node.
type TipJSON struct {
	Hash   string    `json:"hash"`
	Status TipStatus `json:"status"`
	Height uint64    `json:"height"`
}

// NodeJSON is one observed node in the data.json export.
type NodeJSON struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Implementation string    `json:"implementation"`
	Version        string    `json:"version"`
	Reachable      bool      `json:"reachable"`
	LastChanged    int64     `json:"last_changed_timestamp"`
	Tips           []TipJSON `json:"tips"`
}

// NetworkJSON describes one configured network.
type NetworkJSON struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DataResponse is the body of /api/{network}/data.json.
type DataResponse struct {
	HeaderInfos []HeaderJSON `json:"header_infos"`
	Nodes       []NodeJSON   `json:"nodes"`
}

// NetworksResponse is the body of /api/networks.json.
type NetworksResponse struct {
	Networks []NetworkJSON `json:"networks"`
}

// ChangedEvent is the payload pushed on the change stream (SSE and
// websocket). Consumers re-fetch data.json; there is no delta.
type ChangedEvent struct {
	NetworkID int `json:"network_id"`
}
