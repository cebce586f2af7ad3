package api

import (
	"fmt"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/mempool"
	"github.com/chaind-project/chaind/internal/node"
)

// queries implements the node/chain/peer methods of spec.md §6.1, shared
// verbatim by the REST handlers and the /rpc dispatcher so there is exactly
// one implementation of each operation's business logic.
type queries struct {
	n *node.Node
}

func (q *queries) nodeInfo() nodeInfoView {
	peerCount := 0
	if reg := q.n.Registry(); reg != nil {
		peerCount = len(reg.List())
	}
	return nodeInfoView{
		Version:       "chaind/1.0",
		InstanceID:    q.n.InstanceID(),
		ConsensusType: q.n.Config().Consensus.Type,
		Height:        q.n.Chain().Height(),
		PeerCount:     peerCount,
	}
}

func (q *queries) blockchainInfo() blockchainInfoView {
	c := q.n.Chain()
	return blockchainInfoView{
		Height:          c.Height(),
		BestBlockDigest: c.BestBlock().Identity().String(),
		GenesisDigest:   c.Genesis().Identity().String(),
	}
}

func (q *queries) blockByDigest(s string) (blockView, error) {
	d, err := parseDigest(s)
	if err != nil {
		return blockView{}, err
	}
	b, ok := q.n.Chain().GetBlockByDigest(d)
	if !ok {
		return blockView{}, fmt.Errorf("api: no block with digest %s", s)
	}
	return newBlockView(b), nil
}

func (q *queries) blockByHeight(h uint64) (blockView, error) {
	b, ok := q.n.Chain().GetBlockByHeight(h)
	if !ok {
		return blockView{}, fmt.Errorf("api: no block at height %d", h)
	}
	return newBlockView(b), nil
}

func (q *queries) transactionByDigest(s string) (transactionView, error) {
	d, err := parseDigest(s)
	if err != nil {
		return transactionView{}, err
	}
	if tx, ok := q.n.Mempool().GetTx(d); ok {
		return newTransactionView(tx), nil
	}
	best := q.n.Chain().BestBlock()
	for h := int64(best.Header.Height); h >= 0; h-- {
		b, ok := q.n.Chain().GetBlockByHeight(uint64(h))
		if !ok {
			continue
		}
		for _, tx := range b.Txs {
			if tx.Identity() == d {
				return newTransactionView(tx), nil
			}
		}
	}
	return transactionView{}, fmt.Errorf("api: no transaction with digest %s", s)
}

func (q *queries) balance(addrHex string) (uint64, error) {
	addr, err := parseAddress(addrHex)
	if err != nil {
		return 0, err
	}
	return q.n.Chain().BalanceOf(addr), nil
}

func (q *queries) mempoolInfo() mempoolInfoView {
	return newMempoolInfoView(q.n.Mempool().Stats())
}

func (q *queries) peers() []peerView {
	reg := q.n.Registry()
	if reg == nil {
		return nil
	}
	records := reg.List()
	out := make([]peerView, len(records))
	for i, r := range records {
		out[i] = peerView{ID: r.ID, Addr: r.Addr, GoodScore: r.GoodScore, BadScore: r.BadScore, MessagesRecv: r.MessagesRecv}
	}
	return out
}

func (q *queries) networkInfo() networkInfoView {
	reg := q.n.Registry()
	peerCount := 0
	if reg != nil {
		peerCount = len(reg.List())
	}
	return networkInfoView{Listening: q.n.Config().Network.EnableP2P, PeerCount: peerCount}
}

func (q *queries) networkStats() networkStatsView {
	reg := q.n.Registry()
	peerCount := 0
	if reg != nil {
		peerCount = len(reg.List())
	}
	return networkStatsView{PeerCount: peerCount, MempoolSize: q.n.Mempool().Size(), Height: q.n.Chain().Height()}
}

func (q *queries) submitTransaction(tx *chain.Transaction) error {
	result := q.n.SubmitTransaction(tx)
	if result == mempool.Rejected {
		return fmt.Errorf("api: transaction rejected")
	}
	return nil
}
