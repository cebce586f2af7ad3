package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chaind-project/chaind/internal/chain"
)

var (
	errMissingAddress = errors.New("api: missing address parameter")
	errMissingDigest  = errors.New("api: missing digest parameter")
	errMissingTag     = errors.New("api: missing block tag parameter")
	errMissingRawTx   = errors.New("api: missing raw transaction parameter")
)

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// parseDigest accepts a bare hex string or a 0x-prefixed one.
func parseDigest(s string) (chain.Digest, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return chain.Digest{}, fmt.Errorf("api: invalid digest %q: %w", s, err)
	}
	if len(raw) != 32 {
		return chain.Digest{}, fmt.Errorf("api: digest %q must be 32 bytes, got %d", s, len(raw))
	}
	var d chain.Digest
	copy(d[:], raw)
	return d, nil
}

// parseAddress accepts a bare hex string or a 0x-prefixed one.
func parseAddress(s string) (chain.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return chain.Address{}, fmt.Errorf("api: invalid address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return chain.Address{}, fmt.Errorf("api: address %q must be 20 bytes, got %d", s, len(raw))
	}
	var a chain.Address
	copy(a[:], raw)
	return a, nil
}

// toHex renders n as a 0x-prefixed hex string, the encoding every web3-style
// numeric field of spec.md §6.1 uses.
func toHex(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

// parseBlockTag resolves the web3 "latest"/"earliest"/"pending"/"0x<height>"
// tag convention into a concrete height; an empty tag means latest, and any
// other tag that is not a hex height is an error.
func parseBlockTag(tag string, currentHeight uint64) (uint64, error) {
	switch tag {
	case "", "latest", "pending":
		return currentHeight, nil
	case "earliest":
		return 0, nil
	default:
		h, err := strconv.ParseUint(strings.TrimPrefix(tag, "0x"), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("api: invalid block tag %q: %w", tag, err)
		}
		return h, nil
	}
}
