// Package crypto provides the cryptographic primitives of the Fast Pair
// handshake: ECDH P-256 key agreement with compressed public keys, HKDF-SHA256
// session key derivation salted with the model secret, AES-256-GCM with
// separate IV and tag fields, and truncated HMAC-SHA256 tags compared in
// constant time.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidPeerKey reports a peer public key that is not a point on P-256.
	ErrInvalidPeerKey = errors.New("ble/crypto: invalid peer public key")
	// ErrAuthFailure reports a ciphertext or tag that does not authenticate.
	ErrAuthFailure = errors.New("ble/crypto: authentication failed")
)

const (
	// CompressedKeySize is the length of a SEC1 compressed P-256 public key.
	CompressedKeySize = 33
	// KeySize is the length of each derived session key.
	KeySize = 32
	// TagSize is the length of a truncated HMAC-SHA256 tag.
	TagSize = 16
	// IVSize is the AES-GCM nonce length.
	IVSize = 12
)

// sessionKeyInfo prefixes the HKDF info of every derivation.
var sessionKeyInfo = []byte("fastpair-seeker/v1")

// SessionKeys are the symmetric keys of one handshake attempt.
type SessionKeys struct {
	EncKey  []byte // AES-256-GCM
	AuthKey []byte // HMAC-SHA256
}

// Zero wipes both keys.
func (k *SessionKeys) Zero() {
	Zero(k.EncKey)
	Zero(k.AuthKey)
}

// GenerateKeyPair creates a new ECDH P-256 key pair. A nil random source
// uses crypto/rand.
func GenerateKeyPair(random io.Reader) (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	if random == nil {
		random = rand.Reader
	}
	priv, err := ecdh.P256().GenerateKey(random)
	if err != nil {
		return nil, nil, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// CompressPublicKey returns the 33-byte SEC1 compressed form of a P-256 public key.
// The crypto/ecdh package's Bytes() returns the uncompressed form (65 bytes: 0x04 || x || y).
func CompressPublicKey(pub *ecdh.PublicKey) [CompressedKeySize]byte {
	raw := pub.Bytes() // 65 bytes: 0x04 || x(32) || y(32)
	var compressed [CompressedKeySize]byte
	compressed[0] = 0x02 | (raw[64] & 1)
	copy(compressed[1:], raw[1:33])
	return compressed
}

// ParseCompressedPublicKey parses a 33-byte SEC1 compressed P-256 public key.
// The key is attacker supplied: anything that is not a point on the curve
// yields ErrInvalidPeerKey.
func ParseCompressedPublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != CompressedKeySize {
		return nil, fmt.Errorf("%w: compressed key must be %d bytes, got %d", ErrInvalidPeerKey, CompressedKeySize, len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, fmt.Errorf("%w: invalid compression prefix 0x%02x", ErrInvalidPeerKey, data[0])
	}

	x := new(big.Int).SetBytes(data[1:33])
	if x.Cmp(elliptic.P256().Params().P) >= 0 {
		return nil, fmt.Errorf("%w: x coordinate out of range", ErrInvalidPeerKey)
	}
	y := decompressP256(x, data[0] == 0x03)
	if y == nil {
		return nil, fmt.Errorf("%w: point decompression failed", ErrInvalidPeerKey)
	}

	// Build uncompressed form for ecdh, which re-checks the curve equation.
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return pub, nil
}

// decompressP256 recovers the y coordinate from x on the P-256 curve.
// oddY indicates whether y should be odd. Returns nil if x is not the
// abscissa of a curve point.
func decompressP256(x *big.Int, oddY bool) *big.Int {
	params := elliptic.P256().Params()
	p := params.P

	// y^2 = x^3 - 3x + b (mod p)
	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)
	x3.Mod(x3, p)

	threeX := new(big.Int).Mul(big.NewInt(3), x)
	threeX.Mod(threeX, p)

	y2 := new(big.Int).Sub(x3, threeX)
	y2.Add(y2, params.B)
	y2.Mod(y2, p)

	// y = y2^((p+1)/4) mod p, valid because p = 3 mod 4
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(y2, exp, p)

	check := new(big.Int).Mul(y, y)
	check.Mod(check, p)
	if check.Cmp(y2) != 0 {
		return nil
	}

	if oddY != (y.Bit(0) == 1) {
		y.Sub(p, y)
	}
	return y
}

// DeriveSharedSecret performs ECDH and returns the raw shared secret.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH: %v", ErrInvalidPeerKey, err)
	}
	return secret, nil
}

// DeriveSessionKeys expands the ECDH shared secret into an encryption key
// and an authentication key:
//
//	HKDF-SHA256(ikm = shared, salt = modelSecret, info = "fastpair-seeker/v1" || context, L = 64)
//
// Salting with the model secret binds both keys to it, so a peer that can
// produce a valid tag under AuthKey has proven it holds the model secret.
func DeriveSessionKeys(shared, modelSecret, context []byte) (SessionKeys, error) {
	if len(shared) == 0 {
		return SessionKeys{}, errors.New("ble/crypto: empty shared secret")
	}
	info := make([]byte, 0, len(sessionKeyInfo)+len(context))
	info = append(info, sessionKeyInfo...)
	info = append(info, context...)

	okm := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, modelSecret, info), okm); err != nil {
		return SessionKeys{}, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return SessionKeys{EncKey: okm[:KeySize], AuthKey: okm[KeySize:]}, nil
}

// Encrypt encrypts plaintext with AES-256-GCM, returning iv (12 bytes),
// ciphertext, and tag (16 bytes) separately. A nil random source uses
// crypto/rand for the IV.
func Encrypt(key, plaintext []byte, random io.Reader) (iv, ciphertext, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	if random == nil {
		random = rand.Reader
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("ble/crypto: random IV: %w", err)
	}

	// Go's GCM Seal appends the tag to the ciphertext
	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagSize := aead.Overhead()
	ciphertext = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]

	return iv, ciphertext, tag, nil
}

// Decrypt decrypts ciphertext with AES-256-GCM using separate iv, ciphertext,
// and tag. Any tampering or a wrong key yields ErrAuthFailure and no plaintext.
func Decrypt(key, iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() || len(tag) != aead.Overhead() {
		return nil, ErrAuthFailure
	}

	// Reassemble ciphertext || tag without touching the caller's slice.
	sealed := make([]byte, len(ciphertext)+len(tag))
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return aead, nil
}

// ComputeTag returns HMAC-SHA256(key, parts...) truncated to TagSize.
// Parts are length-prefixed so that field boundaries are unambiguous.
func ComputeTag(key []byte, parts ...[]byte) [TagSize]byte {
	mac := hmac.New(sha256.New, key)
	var lenBuf [2]byte
	for _, p := range parts {
		lenBuf[0] = byte(len(p) >> 8)
		lenBuf[1] = byte(len(p))
		mac.Write(lenBuf[:])
		mac.Write(p)
	}
	var tag [TagSize]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// VerifyTag recomputes the tag over parts and compares it in constant time.
func VerifyTag(key, tag []byte, parts ...[]byte) bool {
	want := ComputeTag(key, parts...)
	return subtle.ConstantTimeCompare(want[:], tag) == 1
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
