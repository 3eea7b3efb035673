package ids

import (
	"errors"
	"testing"

	"github.com/danmuck/peerwire/internal/testutil/testlog"
)

func TestServiceIDFromSeedIsDeterministic(t *testing.T) {
	testlog.Start(t)
	a := ServiceIDFromSeed("sum", []byte("Add"))
	b := ServiceIDFromSeed("sum", []byte("Add"))
	if a != b {
		t.Fatalf("same seed produced different ids: %s %s", a, b)
	}
	if a.IsNull() {
		t.Fatalf("seeded id must not be null")
	}
}

func TestServiceIDFromSeedSeparatesSeedAndNamespace(t *testing.T) {
	testlog.Start(t)
	base := ServiceIDFromSeed("sum", []byte("Add"))
	if got := ServiceIDFromSeed("sum", []byte("Show")); got == base {
		t.Fatalf("different seed collided: %s", got)
	}
	if got := ServiceIDFromSeed("other", []byte("Add")); got == base {
		t.Fatalf("different namespace collided: %s", got)
	}
	// the namespace is length-prefixed so boundaries cannot shift
	if ServiceIDFromSeed("ab", []byte("c")) == ServiceIDFromSeed("a", []byte("bc")) {
		t.Fatalf("namespace/seed boundary collided")
	}
}

func TestRandomIDsAreDistinct(t *testing.T) {
	testlog.Start(t)
	seen := make(map[ConnID]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := RandomConnID()
		if id.IsNull() {
			t.Fatalf("random conn id was null")
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate conn id %s", id)
		}
		seen[id] = struct{}{}
	}
	if RandomServiceID() == RandomServiceID() {
		t.Fatalf("random service ids collided")
	}
}

func TestNullValues(t *testing.T) {
	testlog.Start(t)
	var sid ServiceID
	var cid ConnID
	if !sid.IsNull() || !cid.IsNull() {
		t.Fatalf("zero values must be null")
	}
	if sid.String() != "00000000000000000000000000000000" {
		t.Fatalf("unexpected null string: %s", sid)
	}
}

func TestParseRoundTrip(t *testing.T) {
	testlog.Start(t)
	sid := ServiceIDFromName("kv", "get")
	got, err := ParseServiceID(sid.String())
	if err != nil {
		t.Fatalf("parse service id: %v", err)
	}
	if got != sid {
		t.Fatalf("parsed %s want %s", got, sid)
	}

	cid := RandomConnID()
	text, _ := cid.MarshalText()
	var back ConnID
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal conn id: %v", err)
	}
	if back != cid {
		t.Fatalf("conn id mismatch: %s %s", back, cid)
	}
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	testlog.Start(t)
	if _, err := ServiceIDFromBytes(make([]byte, 15)); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := ConnIDFromBytes(make([]byte, 17)); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
