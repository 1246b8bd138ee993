package protocol

import (
	"encoding/hex"
	"fmt"
)

// advertisementHeaderSize covers magic, version and the length byte.
const advertisementHeaderSize = 3

// ModelID identifies a device model and selects its model secret.
type ModelID [ModelIDSize]byte

// String returns the model id as six hex digits.
func (m ModelID) String() string {
	return hex.EncodeToString(m[:])
}

// Uint32 returns the model id as a 24-bit integer.
func (m ModelID) Uint32() uint32 {
	return uint32(m[0])<<16 | uint32(m[1])<<8 | uint32(m[2])
}

// ParseModelID parses six hex digits, with or without a 0x prefix.
func ParseModelID(s string) (ModelID, error) {
	var m ModelID
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return m, fmt.Errorf("protocol: model id %q: %w", s, err)
	}
	if len(b) != ModelIDSize {
		return m, fmt.Errorf("protocol: model id %q: want %d bytes, got %d", s, ModelIDSize, len(b))
	}
	copy(m[:], b)
	return m, nil
}

// Advertisement is the decoded service data of a pairable device. It is
// only produced by a successful DecodeAdvertisement; a failed decode never
// yields a partially filled value.
type Advertisement struct {
	ServiceData      []byte // raw bytes as received
	ModelID          ModelID
	Flags            uint8
	AccountKeyFilter []byte // present when FlagAccountKeyFilter is set
	Salt             []byte
}

// PairingMode reports whether the device is accepting new pairings.
func (a Advertisement) PairingMode() bool {
	return a.Flags&FlagPairingMode != 0
}

// HasAccountKeyFilter reports whether the advertisement carries a filter
// of account keys the device was provisioned with.
func (a Advertisement) HasAccountKeyFilter() bool {
	return a.Flags&FlagAccountKeyFilter != 0
}

// DecodeAdvertisement validates and decodes advertisement service data.
//
//	0  magic   0xFA
//	1  version 0x01
//	2  length  bytes following this one
//	3  model id (3)
//	6  flags
//	7  [filter_len filter salt_len salt] when FlagAccountKeyFilter is set
func DecodeAdvertisement(raw []byte) (Advertisement, error) {
	r := newReader(raw)
	magic := r.readByte("magic")
	version := r.readByte("version")
	length := int(r.readByte("length"))
	if r.err != nil {
		return Advertisement{}, r.err
	}
	if magic != AdvertisementMagic {
		return Advertisement{}, malformed("bad magic 0x%02x", magic)
	}
	if version != Version1 {
		return Advertisement{}, fmt.Errorf("%w: advertisement version 0x%02x", ErrUnsupportedVersion, version)
	}
	if r.remaining() != length {
		return Advertisement{}, malformed("length byte %d, payload %d", length, r.remaining())
	}

	var adv Advertisement
	r.readInto(adv.ModelID[:], "model id")
	adv.Flags = r.readByte("flags")
	if r.err != nil {
		return Advertisement{}, r.err
	}
	if adv.Flags&advertisementReservedFlags != 0 {
		return Advertisement{}, malformed("reserved flag bits set: 0x%02x", adv.Flags)
	}

	if adv.HasAccountKeyFilter() {
		filterLen := int(r.readByte("filter length"))
		if r.err == nil && (filterLen == 0 || filterLen > MaxFilterSize) {
			return Advertisement{}, malformed("filter length %d", filterLen)
		}
		adv.AccountKeyFilter = r.readCopy(filterLen, "filter")
		saltLen := int(r.readByte("salt length"))
		if r.err == nil && (saltLen == 0 || saltLen > MaxSaltSize) {
			return Advertisement{}, malformed("salt length %d", saltLen)
		}
		adv.Salt = r.readCopy(saltLen, "salt")
	}
	if err := r.finish(); err != nil {
		return Advertisement{}, err
	}

	adv.ServiceData = make([]byte, len(raw))
	copy(adv.ServiceData, raw)
	return adv, nil
}

// EncodeAdvertisement serialises an advertisement. ServiceData is ignored;
// the encoding is rebuilt from the decoded fields.
func EncodeAdvertisement(adv Advertisement) ([]byte, error) {
	if adv.Flags&advertisementReservedFlags != 0 {
		return nil, fmt.Errorf("protocol: reserved flag bits set: 0x%02x", adv.Flags)
	}
	body := make([]byte, 0, ModelIDSize+1+2+len(adv.AccountKeyFilter)+len(adv.Salt))
	body = append(body, adv.ModelID[:]...)
	body = append(body, adv.Flags)
	if adv.HasAccountKeyFilter() {
		if n := len(adv.AccountKeyFilter); n == 0 || n > MaxFilterSize {
			return nil, fmt.Errorf("protocol: filter length %d out of range", n)
		}
		if n := len(adv.Salt); n == 0 || n > MaxSaltSize {
			return nil, fmt.Errorf("protocol: salt length %d out of range", n)
		}
		body = append(body, byte(len(adv.AccountKeyFilter)))
		body = append(body, adv.AccountKeyFilter...)
		body = append(body, byte(len(adv.Salt)))
		body = append(body, adv.Salt...)
	}

	out := make([]byte, 0, advertisementHeaderSize+len(body))
	out = append(out, AdvertisementMagic, Version1, byte(len(body)))
	return append(out, body...), nil
}
