package api

import (
	"encoding/json"
	"net/http"

	"github.com/chaind-project/chaind/internal/chain"
)

// JSON-RPC 2.0 error codes, per spec.md §6.1.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcMethod is the shape every dispatch-table entry implements: decode its
// own params, call into queries, and return a JSON-marshalable result.
type rpcMethod func(q *queries, params json.RawMessage) (interface{}, *rpcError)

func invalidParams(err error) *rpcError {
	return &rpcError{Code: rpcInvalidParams, Message: err.Error()}
}

func internalError(err error) *rpcError {
	return &rpcError{Code: rpcInternalError, Message: err.Error()}
}

// methodTable holds chaind's native methods plus the web3-style aliases,
// dispatched through the very same queries the REST handlers use (spec.md
// §6.1's "no duplicated business logic" requirement).
var methodTable = map[string]rpcMethod{
	"get_node_info":       func(q *queries, _ json.RawMessage) (interface{}, *rpcError) { return q.nodeInfo(), nil },
	"get_blockchain_info": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) { return q.blockchainInfo(), nil },
	"get_mempool_info":    func(q *queries, _ json.RawMessage) (interface{}, *rpcError) { return q.mempoolInfo(), nil },
	"get_peers":           func(q *queries, _ json.RawMessage) (interface{}, *rpcError) { return q.peers(), nil },
	"get_network_info":    func(q *queries, _ json.RawMessage) (interface{}, *rpcError) { return q.networkInfo(), nil },
	"get_network_stats":   func(q *queries, _ json.RawMessage) (interface{}, *rpcError) { return q.networkStats(), nil },

	"get_block": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p struct {
			Digest string  `json:"digest"`
			Height *uint64 `json:"height"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if p.Height != nil {
			v, err := q.blockByHeight(*p.Height)
			if err != nil {
				return nil, invalidParams(err)
			}
			return v, nil
		}
		v, err := q.blockByDigest(p.Digest)
		if err != nil {
			return nil, invalidParams(err)
		}
		return v, nil
	},

	"get_transaction": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p struct {
			Digest string `json:"digest"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		v, err := q.transactionByDigest(p.Digest)
		if err != nil {
			return nil, invalidParams(err)
		}
		return v, nil
	},

	"get_balance": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		bal, err := q.balance(p.Address)
		if err != nil {
			return nil, invalidParams(err)
		}
		return bal, nil
	},

	// ---- web3-style compatibility aliases ----

	"eth_blockNumber": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		return toHex(q.n.Chain().Height()), nil
	},
	"eth_getBalance": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []string
		if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 {
			return nil, invalidParams(errMissingAddress)
		}
		bal, err := q.balance(p[0])
		if err != nil {
			return nil, invalidParams(err)
		}
		return toHex(bal), nil
	},
	"eth_getBlockByNumber": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []json.RawMessage
		if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 {
			return nil, invalidParams(errMissingTag)
		}
		var tag string
		if err := json.Unmarshal(p[0], &tag); err != nil {
			return nil, invalidParams(err)
		}
		height, err := parseBlockTag(tag, q.n.Chain().Height())
		if err != nil {
			return nil, invalidParams(err)
		}
		v, err := q.blockByHeight(height)
		if err != nil {
			return nil, invalidParams(err)
		}
		return v, nil
	},
	"eth_getBlockByHash": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []string
		if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 {
			return nil, invalidParams(errMissingDigest)
		}
		v, err := q.blockByDigest(p[0])
		if err != nil {
			return nil, invalidParams(err)
		}
		return v, nil
	},
	"eth_getTransactionByHash": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []string
		if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 {
			return nil, invalidParams(errMissingDigest)
		}
		v, err := q.transactionByDigest(p[0])
		if err != nil {
			return nil, invalidParams(err)
		}
		return v, nil
	},
	"eth_getTransactionReceipt": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []string
		if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 {
			return nil, invalidParams(errMissingDigest)
		}
		v, err := q.transactionByDigest(p[0])
		if err != nil {
			return nil, invalidParams(err)
		}
		return v, nil
	},
	"eth_sendRawTransaction": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []string
		if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 {
			return nil, invalidParams(errMissingRawTx)
		}
		raw, err := hexDecode(p[0])
		if err != nil {
			return nil, invalidParams(err)
		}
		tx, err := chain.DecodeTransactionRLP(raw)
		if err != nil {
			return nil, invalidParams(err)
		}
		if err := q.submitTransaction(tx); err != nil {
			return nil, internalError(err)
		}
		id := tx.Identity()
		return id.String(), nil
	},
	"eth_call": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		// chaind carries no contract execution VM (see DESIGN.md); eth_call
		// always returns empty output, matching an undeployed-contract read.
		return "0x", nil
	},
	"eth_estimateGas": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		return toHex(21000), nil
	},
	"eth_gasPrice": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		return toHex(1), nil
	},
	"eth_getCode": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []string
		if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 {
			return nil, invalidParams(errMissingAddress)
		}
		addr, err := parseAddress(p[0])
		if err != nil {
			return nil, invalidParams(err)
		}
		ws := q.n.WorldState()
		if ws == nil {
			return "0x", nil
		}
		acc, ok := ws.GetAccount(addr)
		if !ok || !acc.HasCode {
			return "0x", nil
		}
		return "0x" + hexEncode(acc.CodeDigest[:]), nil
	},
	"eth_getStorageAt": func(q *queries, params json.RawMessage) (interface{}, *rpcError) {
		var p []string
		if err := json.Unmarshal(params, &p); err != nil || len(p) < 2 {
			return nil, invalidParams(errMissingAddress)
		}
		addr, err := parseAddress(p[0])
		if err != nil {
			return nil, invalidParams(err)
		}
		key, err := parseDigest(p[1])
		if err != nil {
			return nil, invalidParams(err)
		}
		ws := q.n.WorldState()
		if ws == nil {
			return "0x", nil
		}
		val, ok := ws.GetStorage(addr, key)
		if !ok {
			return "0x", nil
		}
		return "0x" + hexEncode(val), nil
	},
	"net_version": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		return "chaind", nil
	},
	"net_listening": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		return q.n.Config().Network.EnableP2P, nil
	},
	"net_peerCount": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		return toHex(uint64(len(q.peers()))), nil
	},
	"web3_clientVersion": func(q *queries, _ json.RawMessage) (interface{}, *rpcError) {
		return "chaind/1.0", nil
	},
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: err.Error()}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "missing jsonrpc or method"}})
		return
	}

	method, ok := methodTable[req.Method]
	if !ok {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcMethodNotFound, Message: req.Method}})
		return
	}

	result, rpcErr := method(s.queries(), req.Params)
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}
