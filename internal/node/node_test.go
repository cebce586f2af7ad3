package node

import (
	"math/big"
	"testing"
	"time"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/config"
	"github.com/chaind-project/chaind/internal/crypto"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Network.EnableP2P = false
	cfg.Consensus.Type = "pow"
	cfg.Consensus.MiningDifficulty = 1
	cfg.Consensus.EnableMining = false
	cfg.Storage.DataDirectory = t.TempDir()
	return cfg
}

func testGenesis() Genesis {
	return Genesis{Timestamp: time.Now().UnixMilli(), Difficulty: big.NewInt(1)}
}

func TestStartInitializesGenesisWithoutNetworking(t *testing.T) {
	n := New(testConfig(t), nil, nil)
	if err := n.Start(testGenesis()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	if n.Chain().Height() != 0 {
		t.Fatalf("expected fresh chain at height 0, got %d", n.Chain().Height())
	}
	if n.Mempool() == nil {
		t.Fatal("expected mempool to be initialized")
	}
}

func TestStartReopensPersistedGenesisAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	g := testGenesis()

	n1 := New(cfg, nil, nil)
	if err := n1.Start(g); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	firstTip := n1.Chain().BestBlock().Identity()
	if err := n1.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	n2 := New(cfg, nil, nil)
	if err := n2.Start(g); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer n2.Stop()

	if n2.Chain().BestBlock().Identity() != firstTip {
		t.Fatalf("expected reopened chain to have the same genesis identity")
	}
}

func TestProduceOneAndApplyBlockAdvancesChain(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	n := New(testConfig(t), nil, priv)
	if err := n.Start(testGenesis()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	block, err := n.produceOne(make(chan struct{}))
	if err != nil {
		t.Fatalf("produceOne: %v", err)
	}
	if err := n.applyBlock(block); err != nil {
		t.Fatalf("applyBlock: %v", err)
	}
	if n.Chain().Height() != 1 {
		t.Fatalf("expected height 1 after applying produced block, got %d", n.Chain().Height())
	}
}

func TestSubmitTransactionAdmitsIntoMempool(t *testing.T) {
	n := New(testConfig(t), nil, nil)
	if err := n.Start(testGenesis()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.PublicKeyToAddress(&priv.PublicKey)
	tx := &chain.Transaction{
		Type:    chain.TxCoinbase,
		Outputs: []chain.TxOutput{{Value: 50, Recipient: addr}},
	}

	result := n.SubmitTransaction(tx)
	if result != 0 {
		t.Fatalf("expected admission result Accepted, got %v", result)
	}
	if n.Mempool().Size() != 1 {
		t.Fatalf("expected mempool size 1, got %d", n.Mempool().Size())
	}
}
