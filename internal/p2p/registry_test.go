package p2p

import (
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("peer-1", "/ip4/127.0.0.1/tcp/4001")
	rec, ok := r.Get("peer-1")
	if !ok {
		t.Fatal("expected peer-1 to be registered")
	}
	if rec.Addr != "/ip4/127.0.0.1/tcp/4001" {
		t.Fatalf("unexpected addr: %s", rec.Addr)
	}
}

func TestBadScoreTriggersTimedBan(t *testing.T) {
	r := NewRegistry()
	r.Register("peer-1", "")
	r.RecordBad("peer-1", 120)
	if !r.IsBanned("peer-1") {
		t.Fatal("expected peer banned once bad score crosses threshold")
	}
	rec, _ := r.Get("peer-1")
	if rec.BannedUntil.Before(time.Now()) {
		t.Fatal("expected ban to extend into the future")
	}
}

func TestBadScoreBelowThresholdNotBanned(t *testing.T) {
	r := NewRegistry()
	r.Register("peer-1", "")
	r.RecordBad("peer-1", 20)
	if r.IsBanned("peer-1") {
		t.Fatal("expected peer not banned below threshold")
	}
}

func TestBadScoreExactlyAtThresholdNotBanned(t *testing.T) {
	r := NewRegistry()
	r.Register("peer-1", "")
	r.RecordBad("peer-1", BadScoreThreshold)
	if r.IsBanned("peer-1") {
		t.Fatal("expected bad score exactly at threshold not to ban")
	}
	r.RecordBad("peer-1", 1)
	if !r.IsBanned("peer-1") {
		t.Fatal("expected bad score one past threshold to ban")
	}
}

func TestAllowRequestRateLimits(t *testing.T) {
	r := NewRegistry()
	r.rateLimitMax = 2
	r.Register("peer-1", "")

	if !r.AllowRequest("peer-1", 0x03) {
		t.Fatal("expected first request allowed")
	}
	if !r.AllowRequest("peer-1", 0x03) {
		t.Fatal("expected second request allowed")
	}
	if r.AllowRequest("peer-1", 0x03) {
		t.Fatal("expected third request within window to be denied")
	}
	// A different message type has its own independent window.
	if !r.AllowRequest("peer-1", 0x04) {
		t.Fatal("expected independent rate limit per message type")
	}
}

func TestSampleExcludesBannedPeers(t *testing.T) {
	r := NewRegistry()
	r.Register("good", "")
	r.Register("bad", "")
	r.RecordBad("bad", 200)

	sample := r.Sample(10)
	for _, id := range sample {
		if id == "bad" {
			t.Fatal("expected banned peer excluded from sample")
		}
	}
	if len(sample) != 1 || sample[0] != "good" {
		t.Fatalf("expected only the good peer in sample, got %v", sample)
	}
}

func TestUnknownPeerOperationsAreNoOps(t *testing.T) {
	r := NewRegistry()
	r.RecordActivity("ghost")
	r.RecordGood("ghost", 1)
	r.RecordBad("ghost", 1)
	if r.IsBanned("ghost") {
		t.Fatal("unknown peer should never report banned")
	}
	if r.AllowRequest("ghost", 0x01) {
		t.Fatal("unknown peer should not be allowed to make requests")
	}
}
