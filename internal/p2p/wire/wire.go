// Package wire implements the framed length-prefixed request/response
// protocol carried over libp2p streams: {u32_be length, type byte,
// u32_be version, u64_be timestamp_ms, payload}.
// It is grounded on core/peer_management.go's SendAsync, which already
// opens a raw stream and writes a {code byte, payload} frame; chaind adds
// the u32_be length prefix spec.md §6.2 requires so a reader never has to
// guess a message's end from protocol-specific parsing.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame per spec.md §4.7.
const MaxFrameSize = 1 << 20 // 1 MiB

// Message type codepoints, the exact values of spec.md §6.2.
const (
	TypeHello      byte = 0x01
	TypeInv        byte = 0x02
	TypeGetData    byte = 0x03
	TypeBlock      byte = 0x04
	TypeTx         byte = 0x05
	TypePing       byte = 0x06
	TypePong       byte = 0x07
	TypeGetBlocks  byte = 0x08
	TypeGetHeaders byte = 0x09
	TypeHeaders    byte = 0x0A
	TypeReject     byte = 0x0B
	TypeMempool    byte = 0x0C
	TypeVersion    byte = 0x12
	TypeVerack     byte = 0x13
	TypeAddr       byte = 0x14
	TypeGetAddr    byte = 0x15
	TypeNotFound   byte = 0x16
)

// Envelope is one decoded frame: {type, version, timestamp_ms, payload} per
// spec.md §4.7's message envelope.
type Envelope struct {
	Type        byte
	Version     uint32
	TimestampMs uint64
	Payload     []byte
}

// Encode serializes env into the wire format: u32_be length, then
// {type u8, version u32_be, timestamp_ms u64_be, payload}.
func Encode(env Envelope) ([]byte, error) {
	body := make([]byte, 0, 13+len(env.Payload))
	body = append(body, env.Type)
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], env.Version)
	body = append(body, verBuf[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], env.TimestampMs)
	body = append(body, tsBuf[:]...)
	body = append(body, env.Payload...)

	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// WriteEnvelope writes env's wire encoding to w.
func WriteEnvelope(w io.Writer, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadEnvelope reads one length-prefixed frame from r and decodes it.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return Envelope{}, fmt.Errorf("wire: declared frame length %d exceeds max %d", length, MaxFrameSize)
	}
	if length < 13 {
		return Envelope{}, fmt.Errorf("wire: frame too short for envelope header: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		Type:        body[0],
		Version:     binary.BigEndian.Uint32(body[1:5]),
		TimestampMs: binary.BigEndian.Uint64(body[5:13]),
		Payload:     body[13:],
	}
	return env, nil
}
