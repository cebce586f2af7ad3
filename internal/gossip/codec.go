package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/chaind-project/chaind/internal/chain"
)

// invItem is one entry of an inventory or GETDATA payload.
type invItem struct {
	Kind   invKind
	Digest chain.Digest
}

// wireInvItem is invItem's JSON wire shape, following the teacher's
// invMsg{Hashes [][]byte} in core/replication.go — a digest travels as a
// byte slice rather than a fixed array so it base64-encodes compactly.
type wireInvItem struct {
	Kind   byte   `json:"kind"`
	Digest []byte `json:"digest"`
}

type wireInvPayload struct {
	Items []wireInvItem `json:"items"`
}

// encodeInv serializes a batch of inventory items, mirroring the teacher's
// invMsg JSON envelope.
func encodeInv(items []invItem) ([]byte, error) {
	payload := wireInvPayload{Items: make([]wireInvItem, len(items))}
	for i, item := range items {
		d := make([]byte, 32)
		copy(d, item.Digest[:])
		payload.Items[i] = wireInvItem{Kind: byte(item.Kind), Digest: d}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode inv: %w", err)
	}
	return data, nil
}

// decodeInv reverses encodeInv.
func decodeInv(data []byte) ([]invItem, error) {
	var payload wireInvPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("gossip: decode inv: %w", err)
	}
	items := make([]invItem, 0, len(payload.Items))
	for _, w := range payload.Items {
		if len(w.Digest) != 32 {
			return nil, fmt.Errorf("gossip: inv item digest must be 32 bytes, got %d", len(w.Digest))
		}
		var d chain.Digest
		copy(d[:], w.Digest)
		items = append(items, invItem{Kind: invKind(w.Kind), Digest: d})
	}
	return items, nil
}
