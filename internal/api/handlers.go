package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/chaind-project/chaind/internal/chain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) queries() *queries { return &queries{n: s.n} }

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h, err := strconv.ParseUint(id, 10, 64); err == nil {
		v, err := s.queries().blockByHeight(h)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
		return
	}
	v, err := s.queries().blockByDigest(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	v, err := s.queries().transactionByDigest(mux.Vars(r)["digest"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// postTxRequest carries a hex-encoded RLP transaction payload, matching the
// wire encoding internal/chain/codec.go already defines for blocks/txs.
type postTxRequest struct {
	RawTx string `json:"raw_tx"`
}

func (s *Server) handlePostTx(w http.ResponseWriter, r *http.Request) {
	var req postTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := hex.DecodeString(stripHexPrefix(req.RawTx))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := chain.DecodeTransactionRLP(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queries().submitTransaction(tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := tx.Identity()
	writeJSON(w, http.StatusAccepted, map[string]string{"digest": id.String()})
}

func (s *Server) handleGetMempoolInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries().mempoolInfo())
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries().peers())
}

type connectPeerRequest struct {
	Addr string `json:"addr"`
}

func (s *Server) handlePeersConnect(w http.ResponseWriter, r *http.Request) {
	var req connectPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.n.DialPeer(req.Addr); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dial requested"})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.queries().balance(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": bal})
}

func (s *Server) handleGetNodeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries().nodeInfo())
}

func (s *Server) handleGetBlockchainInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries().blockchainInfo())
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
