package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeAdvertisementPairingMode(t *testing.T) {
	raw := []byte{0xFA, 0x01, 0x04, 0x01, 0x02, 0x03, 0x01}

	adv, err := DecodeAdvertisement(raw)
	if err != nil {
		t.Fatalf("DecodeAdvertisement() error = %v", err)
	}
	if adv.ModelID != (ModelID{0x01, 0x02, 0x03}) {
		t.Errorf("ModelID = %s, want 010203", adv.ModelID)
	}
	if adv.ModelID.Uint32() != 0x010203 {
		t.Errorf("ModelID.Uint32() = 0x%06x, want 0x010203", adv.ModelID.Uint32())
	}
	if !adv.PairingMode() {
		t.Error("PairingMode() = false, want true")
	}
	if adv.HasAccountKeyFilter() {
		t.Error("HasAccountKeyFilter() = true, want false")
	}
	if !bytes.Equal(adv.ServiceData, raw) {
		t.Errorf("ServiceData = %x, want %x", adv.ServiceData, raw)
	}
}

func TestDecodeAdvertisementCopiesInput(t *testing.T) {
	raw := []byte{0xFA, 0x01, 0x04, 0x01, 0x02, 0x03, 0x01}
	adv, err := DecodeAdvertisement(raw)
	if err != nil {
		t.Fatalf("DecodeAdvertisement() error = %v", err)
	}
	raw[3] = 0xFF
	if adv.ServiceData[3] != 0x01 {
		t.Error("ServiceData aliases the caller's buffer")
	}
}

func TestAdvertisementRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		adv  Advertisement
	}{
		{
			name: "pairing mode",
			adv:  Advertisement{ModelID: ModelID{0x01, 0x02, 0x03}, Flags: FlagPairingMode},
		},
		{
			name: "not discoverable",
			adv:  Advertisement{ModelID: ModelID{0xAA, 0xBB, 0xCC}},
		},
		{
			name: "with account key filter",
			adv: Advertisement{
				ModelID:          ModelID{0x01, 0x02, 0x03},
				Flags:            FlagAccountKeyFilter,
				AccountKeyFilter: []byte{0x0A, 0x42, 0x88, 0x10},
				Salt:             []byte{0xC7},
			},
		},
		{
			name: "max filter and salt",
			adv: Advertisement{
				ModelID:          ModelID{0x00, 0x00, 0x01},
				Flags:            FlagAccountKeyFilter | FlagPairingMode,
				AccountKeyFilter: bytes.Repeat([]byte{0xFF}, MaxFilterSize),
				Salt:             bytes.Repeat([]byte{0x11}, MaxSaltSize),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeAdvertisement(tt.adv)
			if err != nil {
				t.Fatalf("EncodeAdvertisement() error = %v", err)
			}
			got, err := DecodeAdvertisement(raw)
			if err != nil {
				t.Fatalf("DecodeAdvertisement() error = %v", err)
			}
			if got.ModelID != tt.adv.ModelID || got.Flags != tt.adv.Flags {
				t.Errorf("got model %s flags 0x%02x, want model %s flags 0x%02x",
					got.ModelID, got.Flags, tt.adv.ModelID, tt.adv.Flags)
			}
			if !bytes.Equal(got.AccountKeyFilter, tt.adv.AccountKeyFilter) {
				t.Errorf("AccountKeyFilter = %x, want %x", got.AccountKeyFilter, tt.adv.AccountKeyFilter)
			}
			if !bytes.Equal(got.Salt, tt.adv.Salt) {
				t.Errorf("Salt = %x, want %x", got.Salt, tt.adv.Salt)
			}
			if !bytes.Equal(got.ServiceData, raw) {
				t.Errorf("ServiceData = %x, want %x", got.ServiceData, raw)
			}
		})
	}
}

func TestDecodeAdvertisementRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrMalformed},
		{"magic only", []byte{0xFA}, ErrMalformed},
		{"bad magic", []byte{0xFB, 0x01, 0x04, 0x01, 0x02, 0x03, 0x01}, ErrMalformed},
		{"unknown version", []byte{0xFA, 0x02, 0x04, 0x01, 0x02, 0x03, 0x01}, ErrUnsupportedVersion},
		{"truncated body", []byte{0xFA, 0x01, 0x04, 0x01, 0x02}, ErrMalformed},
		{"length too short", []byte{0xFA, 0x01, 0x03, 0x01, 0x02, 0x03, 0x01}, ErrMalformed},
		{"length too long", []byte{0xFA, 0x01, 0x09, 0x01, 0x02, 0x03, 0x01}, ErrMalformed},
		{"reserved flag", []byte{0xFA, 0x01, 0x04, 0x01, 0x02, 0x03, 0x81}, ErrMalformed},
		{"filter flag without filter", []byte{0xFA, 0x01, 0x04, 0x01, 0x02, 0x03, 0x02}, ErrMalformed},
		{"zero filter length", []byte{0xFA, 0x01, 0x07, 0x01, 0x02, 0x03, 0x02, 0x00, 0x01, 0x01}, ErrMalformed},
		{"filter overruns", []byte{0xFA, 0x01, 0x06, 0x01, 0x02, 0x03, 0x02, 0x04, 0x01}, ErrMalformed},
		{"missing salt", []byte{0xFA, 0x01, 0x06, 0x01, 0x02, 0x03, 0x02, 0x01, 0xAA}, ErrMalformed},
		{"trailing bytes", []byte{0xFA, 0x01, 0x05, 0x01, 0x02, 0x03, 0x01, 0x00}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv, err := DecodeAdvertisement(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Fatalf("DecodeAdvertisement(%x) error = %v, want %v", tt.raw, err, tt.want)
			}
			if adv.ServiceData != nil || adv.Flags != 0 || adv.ModelID != (ModelID{}) {
				t.Errorf("DecodeAdvertisement(%x) returned partial value %+v", tt.raw, adv)
			}
		})
	}
}

func TestEncodeAdvertisementRejectsReservedFlags(t *testing.T) {
	if _, err := EncodeAdvertisement(Advertisement{Flags: 0x80}); err == nil {
		t.Error("EncodeAdvertisement() with reserved flag should fail")
	}
}

func TestParseModelID(t *testing.T) {
	for _, s := range []string{"010203", "0x010203"} {
		m, err := ParseModelID(s)
		if err != nil {
			t.Fatalf("ParseModelID(%q) error = %v", s, err)
		}
		if m != (ModelID{0x01, 0x02, 0x03}) {
			t.Errorf("ParseModelID(%q) = %s", s, m)
		}
	}
	for _, s := range []string{"", "0102", "01020304", "zz0203"} {
		if _, err := ParseModelID(s); err == nil {
			t.Errorf("ParseModelID(%q) should fail", s)
		}
	}
}
