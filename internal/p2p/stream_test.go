package p2p

import (
	"testing"

	"github.com/chaind-project/chaind/internal/p2p/wire"
)

func TestSendFramedRejectsInvalidPeerID(t *testing.T) {
	n, err := NewHost(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", DiscoveryTag: "chaind-test"}, NewRegistry())
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer n.Close()

	err = n.SendFramed("not-a-valid-peer-id", "/chaind/getdata/1.0.0", wire.Envelope{Type: wire.TypeGetData})
	if err == nil {
		t.Fatal("expected error for malformed peer id")
	}
}
