package consensus

import (
	"math/big"
	"testing"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/chaind-project/chaind/internal/chain"
	"github.com/chaind-project/chaind/internal/chainerrors"
	"github.com/chaind-project/chaind/internal/crypto"
)

func TestPoWProduceMeetsTarget(t *testing.T) {
	priv, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	engine := NewPoW(big.NewInt(1), 0, priv)

	pc := NewProduceContext(chain.Digest{}, 1, time.Now().UnixMilli(), nil, nil)
	block, err := engine.Produce(pc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	target := chain.TargetForDifficulty(big.NewInt(1))
	if !block.MeetsTarget(target) {
		t.Fatal("produced block does not meet its own target")
	}
}

func TestPoWValidateBlockRejectsWrongHeight(t *testing.T) {
	engine := NewPoW(big.NewInt(1), 0, nil)
	parent := &chain.Block{Header: chain.BlockHeader{Height: 5}}
	child := &chain.Block{Header: chain.BlockHeader{Height: 7, Difficulty: big.NewInt(1)}}
	if err := engine.ValidateBlock(child, parent); err != chainerrors.ErrWrongHeight {
		t.Fatalf("expected ErrWrongHeight, got %v", err)
	}
}

func TestPoARotation(t *testing.T) {
	var a, b, c chain.Address
	a[0], b[0], c[0] = 1, 2, 3
	engine := NewPoA([]chain.Address{a, b, c}, time.Second, nil)

	for h := uint64(0); h < 9; h++ {
		proposer, err := engine.NextProposer(h, chain.Digest{})
		if err != nil {
			t.Fatalf("NextProposer height %d: %v", h, err)
		}
		want := []chain.Address{a, b, c}[h%3]
		if *proposer != want {
			t.Fatalf("height %d: expected %v, got %v", h, want, *proposer)
		}
	}
}

func TestPoAProducesAndValidatesOwnBlock(t *testing.T) {
	priv, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	self := crypto.PublicKeyToAddress(&priv.PublicKey)
	engine := NewPoA([]chain.Address{self}, time.Second, priv)

	parent := &chain.Block{Header: chain.BlockHeader{Height: 0, Timestamp: 1000}}
	pc := NewProduceContext(parent.Identity(), 1, 5000, nil, nil)
	block, err := engine.Produce(pc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := engine.ValidateBlock(block, parent); err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
}

func TestPoANotAuthorizedProducerRejected(t *testing.T) {
	priv, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var other chain.Address
	other[0] = 0xFF
	engine := NewPoA([]chain.Address{other}, time.Second, priv) // priv's address is not in the validator set

	parent := &chain.Block{Header: chain.BlockHeader{Height: 0, Timestamp: 1000}}
	pc := NewProduceContext(parent.Identity(), 1, 5000, nil, nil)
	if _, err := engine.Produce(pc); err != chainerrors.ErrUnauthorizedProducer {
		t.Fatalf("expected ErrUnauthorizedProducer, got %v", err)
	}
}

func TestPoSWeightedProposerIsDeterministic(t *testing.T) {
	var a, b chain.Address
	a[0], b[0] = 1, 2
	engine := NewPoS([]ValidatorStake{
		{Validator: a, SelfStake: 5000},
		{Validator: b, SelfStake: 5000},
	}, nil)
	engine.ReseedEpoch(chain.Digest{1, 2, 3}, 10)

	p1, err := engine.NextProposer(10, chain.Digest{1, 2, 3})
	if err != nil {
		t.Fatalf("NextProposer: %v", err)
	}
	p2, err := engine.NextProposer(10, chain.Digest{1, 2, 3})
	if err != nil {
		t.Fatalf("NextProposer: %v", err)
	}
	if *p1 != *p2 {
		t.Fatal("expected deterministic proposer selection for identical inputs")
	}
}

func TestPoSSlashForEquivocation(t *testing.T) {
	priv, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PublicKeyToAddress(&priv.PublicKey)
	engine := NewPoS([]ValidatorStake{{Validator: addr, SelfStake: 10000}}, priv)

	headerA := chain.BlockHeader{Height: 5, Timestamp: 1, Difficulty: big.NewInt(1)}
	sigA, err := crypto.Sign(headerA.SigningDigest(), priv)
	if err != nil {
		t.Fatalf("sign A: %v", err)
	}
	headerA.ProducerSignature = sigA

	headerB := chain.BlockHeader{Height: 5, Timestamp: 2, Difficulty: big.NewInt(1)}
	sigB, err := crypto.Sign(headerB.SigningDigest(), priv)
	if err != nil {
		t.Fatalf("sign B: %v", err)
	}
	headerB.ProducerSignature = sigB

	proof := EquivocationProof{HeightA: 5, HeightB: 5, HeaderA: headerA, HeaderB: headerB}
	if err := engine.SlashForEquivocation(proof); err != nil {
		t.Fatalf("SlashForEquivocation: %v", err)
	}

	engine.mu.RLock()
	v := engine.validators[addr]
	engine.mu.RUnlock()
	if !v.Jailed {
		t.Fatal("expected validator to be jailed after equivocation")
	}
	if v.SelfStake != 9000 {
		t.Fatalf("expected self-stake reduced by 10%%, got %d", v.SelfStake)
	}
}

func TestPoSValidatePoSVotesThreshold(t *testing.T) {
	var a, b, c chain.Address
	a[0], b[0], c[0] = 1, 2, 3
	engine := NewPoS([]ValidatorStake{
		{Validator: a, SelfStake: MinStake},
		{Validator: b, SelfStake: MinStake},
		{Validator: c, SelfStake: MinStake},
	}, nil)

	votes := map[chain.Address]struct{}{a: {}, b: {}}
	if !engine.ValidatePoSVotes(votes) {
		t.Fatal("expected 2/3 votes to meet threshold")
	}
	if engine.ValidatePoSVotes(map[chain.Address]struct{}{a: {}}) {
		t.Fatal("expected 1/3 votes to fail threshold")
	}
}
