package api

import (
	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/mempool"
)

// blockView is the JSON rendering of a chain.Block, field names matching
// spec.md §6.1's get_block response.
type blockView struct {
	Digest     string   `json:"digest"`
	PrevDigest string   `json:"prev_digest"`
	Height     uint64   `json:"height"`
	Timestamp  int64    `json:"timestamp"`
	MerkleRoot string   `json:"merkle_root"`
	TxCount    uint32   `json:"tx_count"`
	TxDigests  []string `json:"tx_digests"`
}

func newBlockView(b *chain.Block) blockView {
	txs := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		id := tx.Identity()
		txs[i] = id.String()
	}
	return blockView{
		Digest:     b.Identity().String(),
		PrevDigest: b.Header.PrevDigest.String(),
		Height:     b.Header.Height,
		Timestamp:  b.Header.Timestamp,
		MerkleRoot: b.Header.MerkleRoot.String(),
		TxCount:    b.Header.TxCount,
		TxDigests:  txs,
	}
}

// transactionView is the JSON rendering of a chain.Transaction.
type transactionView struct {
	Digest  string `json:"digest"`
	Type    string `json:"type"`
	Inputs  int    `json:"input_count"`
	Outputs int    `json:"output_count"`
	Size    int    `json:"size_bytes"`
}

func newTransactionView(tx *chain.Transaction) transactionView {
	return transactionView{
		Digest:  tx.Identity().String(),
		Type:    tx.Type.String(),
		Inputs:  len(tx.Inputs),
		Outputs: len(tx.Outputs),
		Size:    tx.SizeBytes(),
	}
}

// mempoolInfoView mirrors mempool.Stats for get_mempool_info.
type mempoolInfoView struct {
	Size               int    `json:"size"`
	DuplicatesFiltered uint64 `json:"duplicates_filtered"`
	CapacityEvictions  uint64 `json:"capacity_evictions"`
}

func newMempoolInfoView(s mempool.Stats) mempoolInfoView {
	return mempoolInfoView{Size: s.Size, DuplicatesFiltered: s.DuplicatesFiltered, CapacityEvictions: s.CapacityEvictions}
}

// peerView mirrors a p2p.PeerRecord for get_peers.
type peerView struct {
	ID           string `json:"id"`
	Addr         string `json:"addr"`
	GoodScore    int    `json:"good_score"`
	BadScore     int    `json:"bad_score"`
	MessagesRecv uint64 `json:"messages_received"`
}

// nodeInfoView answers get_node_info.
type nodeInfoView struct {
	Version       string `json:"version"`
	InstanceID    string `json:"instance_id"`
	ConsensusType string `json:"consensus_type"`
	Height        uint64 `json:"height"`
	PeerCount     int    `json:"peer_count"`
}

// blockchainInfoView answers get_blockchain_info.
type blockchainInfoView struct {
	Height          uint64 `json:"height"`
	BestBlockDigest string `json:"best_block_digest"`
	GenesisDigest   string `json:"genesis_digest"`
}

// networkInfoView answers get_network_info / net_* aliases.
type networkInfoView struct {
	Listening bool `json:"listening"`
	PeerCount int  `json:"peer_count"`
}

// networkStatsView answers get_network_stats.
type networkStatsView struct {
	PeerCount      int `json:"peer_count"`
	MempoolSize    int `json:"mempool_size"`
	Height         uint64 `json:"height"`
}
