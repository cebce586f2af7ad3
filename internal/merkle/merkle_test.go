package merkle

import "testing"

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i), byte(i >> 8)}
	}
	return out
}

func TestEmptyRoot(t *testing.T) {
	tree := Build(nil)
	if tree.Root() != EmptyRoot {
		t.Fatalf("empty tree root = %x, want zero digest", tree.Root())
	}
}

func TestProofVerifiesForEveryLeaf(t *testing.T) {
	tests := []struct {
		name  string
		count int
	}{
		{"single", 1},
		{"pair", 2},
		{"odd", 3},
		{"pow2", 8},
		{"oddLarge", 13},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ls := leaves(tc.count)
			tree := Build(ls)
			for i, l := range ls {
				proof, err := tree.Proof(i)
				if err != nil {
					t.Fatalf("proof(%d): %v", i, err)
				}
				if !Verify(tree.Root(), l, proof) {
					t.Fatalf("verify failed for leaf %d", i)
				}
			}
		})
	}
}

func TestProofFailsForWrongLeaf(t *testing.T) {
	ls := leaves(5)
	tree := Build(ls)
	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if Verify(tree.Root(), []byte("not-the-leaf"), proof) {
		t.Fatalf("expected verification to fail for wrong leaf")
	}
}

func TestProofOutOfRange(t *testing.T) {
	tree := Build(leaves(3))
	if _, err := tree.Proof(-1); err == nil {
		t.Fatalf("expected error for negative index")
	}
	if _, err := tree.Proof(3); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
}

func TestRootDeterministic(t *testing.T) {
	ls := leaves(7)
	a := Build(ls).Root()
	b := Build(ls).Root()
	if a != b {
		t.Fatalf("root not deterministic: %x != %x", a, b)
	}
}
