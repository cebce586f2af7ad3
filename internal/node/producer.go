package node

import (
	"errors"
	"time"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/chainerrors"
	"github.com/chaind-project/chaind/internal/consensus"
	"github.com/chaind-project/chaind/internal/crypto"
)

// producerLoop implements spec.md §4.9's block production cycle: assemble
// candidate transactions from the mempool, seal a candidate block whose
// parent is the current tip, apply it, and broadcast on success. If the tip
// changes while sealing is in flight the attempt is cancelled and restarted
// against the new parent, grounded on the teacher's SealMainBlockPOW retry
// loop in core/consensus.go generalized to a tip-aware cancellation signal.
func (n *Node) producerLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		cancel := n.newAttemptCancel()
		block, err := n.produceOne(cancel)
		if errors.Is(err, chainerrors.ErrCancelled) {
			block, err = nil, nil
		}
		if err != nil {
			n.logger.Warnf("node: block production attempt failed: %v", err)
			select {
			case <-n.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if block == nil {
			// cancelled mid-seal because the tip moved; restart immediately
			// against the new parent.
			continue
		}

		if err := n.applyBlock(block); err != nil {
			n.logger.Warnf("node: produced block rejected by chain: %v", err)
			continue
		}
		if n.gossipSv != nil {
			n.gossipSv.AnnounceBlock(block)
		}
		if n.recorder != nil {
			n.recorder.IncBlockApplied()
		}
	}
}

// newAttemptCancel returns a channel closed the moment the chain's tip
// advances past what was current when this attempt began, or the node
// stops, whichever comes first.
func (n *Node) newAttemptCancel() <-chan struct{} {
	startTip := n.chain.BestBlock().Identity()
	cancel := make(chan struct{})
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-n.stopCh:
				close(cancel)
				return
			case <-ticker.C:
				if n.chain.BestBlock().Identity() != startTip {
					close(cancel)
					return
				}
			case <-cancel:
				return
			}
		}
	}()
	return cancel
}

func (n *Node) produceOne(cancel <-chan struct{}) (*chain.Block, error) {
	tip := n.chain.BestBlock()
	limit := n.cfg.Consensus.BlockSizeLimit
	txs := n.pool.TakeForBlock(0, limit, n.feeOf)
	blockTxs := append([]*chain.Transaction{n.buildCoinbase(txs)}, txs...)

	now := time.Now().UnixMilli()
	timestamp := now
	if minTs := tip.Header.Timestamp + 1; timestamp < minTs {
		timestamp = minTs
	}

	pc := consensus.NewProduceContext(tip.Identity(), tip.Header.Height+1, timestamp, blockTxs, cancel)
	return n.engine.Produce(pc)
}

// buildCoinbase mints the block reward (consensus.BlockReward plus the sum
// of the selected transactions' fees) to the producer's address as the
// block's Txs[0], which chain.Block.ValidateStructural requires of every
// block past genesis. Mirrors the teacher's DistributeRewards, paid out as
// chaind's single-output coinbase (see consensus.BlockReward).
func (n *Node) buildCoinbase(txs []*chain.Transaction) *chain.Transaction {
	var fees uint64
	for _, tx := range txs {
		fees += n.feeOf(tx)
	}
	addr := crypto.PublicKeyToAddress(&n.minerKey.PublicKey)
	return &chain.Transaction{
		Type:      chain.TxCoinbase,
		Timestamp: time.Now().UnixMilli(),
		Outputs: []chain.TxOutput{
			{Value: consensus.BlockReward.Uint64() + fees, Recipient: addr, Index: 0},
		},
	}
}

// feeOf approximates a transaction's fee as the difference between its
// spent inputs' value and its created outputs' value, using the live UTXO
// set; coinbase transactions (no inputs) are treated as fee-free.
func (n *Node) feeOf(tx *chain.Transaction) uint64 {
	if len(tx.Inputs) == 0 {
		return 0
	}
	var inSum, outSum uint64
	for _, in := range tx.Inputs {
		out, ok := n.chain.UTXOLookup(chain.OutPoint{PrevTxDigest: in.PrevTxDigest, OutputIndex: in.OutputIndex})
		if !ok {
			return 0
		}
		inSum += out.Value
	}
	for _, out := range tx.Outputs {
		outSum += out.Value
	}
	if inSum <= outSum {
		return 0
	}
	return inSum - outSum
}

// applyBlock commits a newly sealed or received block through the chain,
// persists it, and removes its transactions from the mempool. It does not
// touch account or contract state: TxContract transactions are applied like
// any other transaction and record no code.
func (n *Node) applyBlock(b *chain.Block) error {
	if err := n.chain.TryApply(b); err != nil {
		return err
	}
	if err := n.persistBlock(b); err != nil {
		n.logger.Errorf("node: persist applied block %s: %v", b.Identity(), err)
	}
	for _, tx := range b.Txs {
		n.pool.Remove(tx.Identity())
	}
	return nil
}
