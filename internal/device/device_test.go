package device

import (
	"bytes"
	"testing"
)

func TestNewAccountKey(t *testing.T) {
	k, err := NewAccountKey(bytes.NewReader(bytes.Repeat([]byte{0xAB}, AccountKeySize)))
	if err != nil {
		t.Fatalf("NewAccountKey() error = %v", err)
	}
	if k[0] != AccountKeyType {
		t.Errorf("first byte = 0x%02x, want 0x%02x", k[0], AccountKeyType)
	}
	if k[1] != 0xAB || k[15] != 0xAB {
		t.Errorf("key = %s, want random body", k)
	}

	if _, err := NewAccountKey(bytes.NewReader(nil)); err == nil {
		t.Error("NewAccountKey() with exhausted reader should fail")
	}
}

func TestParseAccountKey(t *testing.T) {
	k, err := NewAccountKey(nil)
	if err != nil {
		t.Fatalf("NewAccountKey() error = %v", err)
	}
	got, err := ParseAccountKey(k.String())
	if err != nil {
		t.Fatalf("ParseAccountKey() error = %v", err)
	}
	if got != k {
		t.Errorf("ParseAccountKey() = %s, want %s", got, k)
	}
	if _, err := ParseAccountKey("0402"); err == nil {
		t.Error("ParseAccountKey() with short input should fail")
	}
	if _, err := ParseAccountKey("zz"); err == nil {
		t.Error("ParseAccountKey() with bad hex should fail")
	}
	if !(AccountKey{}).IsZero() || k.IsZero() {
		t.Error("IsZero() mismatch")
	}
}

func TestIdentityEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Identity
		want bool
	}{
		{"same address", Identity{Address: "AA:BB"}, Identity{Address: "aa:bb"}, true},
		{"different address", Identity{Address: "AA:BB"}, Identity{Address: "AA:CC"}, false},
		{"same id, rotated address", Identity{Address: "AA:BB", PersistentID: "P1"}, Identity{Address: "CC:DD", PersistentID: "P1"}, true},
		{"different id, same address", Identity{Address: "AA:BB", PersistentID: "P1"}, Identity{Address: "AA:BB", PersistentID: "P2"}, false},
		{"one id, same address", Identity{Address: "AA:BB", PersistentID: "P1"}, Identity{Address: "AA:BB"}, true},
		{"one id, different address", Identity{Address: "AA:BB", PersistentID: "P1"}, Identity{Address: "AA:CC"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
			if got := tt.b.Equal(tt.a); got != tt.want {
				t.Errorf("Equal() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentityKey(t *testing.T) {
	if got := FromAddress("aa:bb:cc:dd:ee:ff").Key(); got != "addr:AA:BB:CC:DD:EE:FF" {
		t.Errorf("Key() = %q", got)
	}
	id := Identity{Address: "AA:BB", PersistentID: PersistentIDFromBytes([]byte{0x0a, 0xbc})}
	if got := id.Key(); got != "0ABC" {
		t.Errorf("Key() = %q, want 0ABC", got)
	}
}
