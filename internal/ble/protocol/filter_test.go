package protocol

import "testing"

func TestAccountKeyFilterMembership(t *testing.T) {
	salt := []byte{0xC7}
	k1 := [AccountKeySize]byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	k2 := [AccountKeySize]byte{0x04, 0x01}

	filter := BuildAccountKeyFilter(FilterSize(2), salt, k1, k2)
	if len(filter) != 5 {
		t.Fatalf("filter size = %d, want 5", len(filter))
	}
	if !MatchAccountKeyFilter(filter, salt, k1) {
		t.Error("k1 should match filter")
	}
	if !MatchAccountKeyFilter(filter, salt, k2) {
		t.Error("k2 should match filter")
	}
}

func TestAccountKeyFilterSaltMatters(t *testing.T) {
	key := [AccountKeySize]byte{0x04, 0xAB}
	filter := BuildAccountKeyFilter(MaxFilterSize, []byte{0x01}, key)

	// With a 256-bit filter holding a single key, a different salt hitting
	// all eight bits is vanishingly unlikely.
	if MatchAccountKeyFilter(filter, []byte{0x02}, key) {
		t.Error("key should not match under a different salt")
	}
}

func TestAccountKeyFilterEmpty(t *testing.T) {
	if MatchAccountKeyFilter(nil, []byte{0x01}, [AccountKeySize]byte{}) {
		t.Error("empty filter should never match")
	}
	if got := BuildAccountKeyFilter(0, nil); len(got) != 0 {
		t.Errorf("BuildAccountKeyFilter(0) length = %d, want 0", len(got))
	}
}

func TestFilterSizeCapped(t *testing.T) {
	if got := FilterSize(100); got != MaxFilterSize {
		t.Errorf("FilterSize(100) = %d, want %d", got, MaxFilterSize)
	}
	if got := FilterSize(1); got != 4 {
		t.Errorf("FilterSize(1) = %d, want 4", got)
	}
}
