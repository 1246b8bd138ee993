// Package peertest provides a scripted pairing peer for tests.
//
// A Peer answers key exchange requests and account key writes the way a
// conforming device does, and can be told to misbehave: stay silent, send
// a wrong authentication tag, or reject the account key.
package peertest

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	blecrypto "github.com/kidfromjupiter/nearby/internal/ble/crypto"
	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
)

// Behavior selects how the peer answers.
type Behavior int

const (
	// Conforming answers every message correctly.
	Conforming Behavior = iota
	// Silent never answers a key exchange request.
	Silent
	// WrongTag answers with a corrupted authentication tag.
	WrongTag
	// WrongSecret derives keys from a model secret other than the seeker's.
	WrongSecret
	// BadAck answers the account key write with an ack the seeker cannot open.
	BadAck
	// NoAck accepts the account key but never acknowledges it.
	NoAck
)

// ErrNoReply is returned when the scripted behavior sends nothing.
var ErrNoReply = errors.New("peertest: no reply")

// Peer is a scripted device. It is safe for concurrent use.
type Peer struct {
	ModelID      protocol.ModelID
	ModelSecret  []byte
	PersistentID [protocol.PersistentIDSize]byte
	Random       io.Reader

	mu        sync.Mutex
	behavior  []Behavior // one per request; the last entry repeats
	requests  int
	current   *peerSession
	keys      []device.AccountKey
	lastFlags uint8
}

type peerSession struct {
	seekerNonce [protocol.NonceSize]byte
	keys        blecrypto.SessionKeys
	behavior    Behavior
}

// New returns a conforming peer.
func New(modelID protocol.ModelID, modelSecret []byte, persistentID [protocol.PersistentIDSize]byte) *Peer {
	return &Peer{
		ModelID:      modelID,
		ModelSecret:  modelSecret,
		PersistentID: persistentID,
		behavior:     []Behavior{Conforming},
	}
}

// Script sets the behavior for successive key exchange requests. The last
// behavior applies to every request after the script runs out.
func (p *Peer) Script(b ...Behavior) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(b) > 0 {
		p.behavior = b
	}
	return p
}

// AddAccountKey provisions k as if an earlier pairing had written it.
func (p *Peer) AddAccountKey(k device.AccountKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, k)
}

// AccountKeys returns the keys written to the peer so far.
func (p *Peer) AccountKeys() []device.AccountKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.AccountKey(nil), p.keys...)
}

// Requests returns how many key exchange requests the peer has seen.
func (p *Peer) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// LastRequestFlags returns the flags of the most recent request.
func (p *Peer) LastRequestFlags() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFlags
}

// Advertisement returns service data in pairing mode, or, when the peer
// holds account keys and pairingMode is false, with an account key filter.
func (p *Peer) Advertisement(pairingMode bool) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	adv := protocol.Advertisement{ModelID: p.ModelID}
	if pairingMode {
		adv.Flags |= protocol.FlagPairingMode
	}
	if !pairingMode && len(p.keys) > 0 {
		salt := make([]byte, 2)
		_, _ = io.ReadFull(p.random(), salt)
		keys := make([][protocol.AccountKeySize]byte, len(p.keys))
		for i, k := range p.keys {
			keys[i] = k
		}
		adv.Flags |= protocol.FlagAccountKeyFilter
		adv.AccountKeyFilter = protocol.BuildAccountKeyFilter(protocol.FilterSize(len(keys)), salt, keys...)
		adv.Salt = salt
	}
	raw, err := protocol.EncodeAdvertisement(adv)
	if err != nil {
		panic(fmt.Sprintf("peertest: encode advertisement: %v", err))
	}
	return raw
}

// Handle answers one message written on char. It returns the
// characteristic and bytes the peer notifies in reply, or ErrNoReply.
func (p *Peer) Handle(char protocol.Characteristic, data []byte) (protocol.Characteristic, []byte, error) {
	switch char {
	case protocol.CharKeyBasedPairing:
		resp, err := p.HandleRequest(data)
		return protocol.CharKeyBasedPairing, resp, err
	case protocol.CharAccountKey:
		ack, err := p.HandleAccountKeyWrite(data)
		return protocol.CharAccountKey, ack, err
	default:
		return 0, nil, fmt.Errorf("peertest: write on %s", char)
	}
}

// HandleRequest answers a key exchange request.
func (p *Peer) HandleRequest(data []byte) ([]byte, error) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.behavior[min(p.requests, len(p.behavior)-1)]
	p.requests++
	p.lastFlags = req.Flags
	if b == Silent {
		return nil, ErrNoReply
	}

	seekerPub, err := blecrypto.ParseCompressedPublicKey(req.PublicKey[:])
	if err != nil {
		return nil, err
	}
	priv, pub, err := blecrypto.GenerateKeyPair(p.random())
	if err != nil {
		return nil, err
	}
	shared, err := blecrypto.DeriveSharedSecret(priv, seekerPub)
	if err != nil {
		return nil, err
	}

	resp := protocol.KeyExchangeResponse{
		SeekerNonce:  req.Nonce,
		PublicKey:    blecrypto.CompressPublicKey(pub),
		PersistentID: p.PersistentID,
	}
	if _, err := io.ReadFull(p.random(), resp.PeerNonce[:]); err != nil {
		return nil, err
	}

	secret := p.ModelSecret
	if b == WrongSecret {
		secret = append([]byte("not-"), secret...)
	}
	keys, err := blecrypto.DeriveSessionKeys(shared, secret,
		blecrypto.HandshakeContext(req.Nonce[:], resp.PeerNonce[:]))
	if err != nil {
		return nil, err
	}
	resp.Tag = blecrypto.PeerConfirmTag(keys.AuthKey,
		req.Nonce[:], resp.PeerNonce[:], req.PublicKey[:], resp.PublicKey[:], resp.PersistentID[:])
	if b == WrongTag {
		resp.Tag[0] ^= 0xFF
	}

	p.current = &peerSession{seekerNonce: req.Nonce, keys: keys, behavior: b}
	return protocol.EncodeResponse(resp), nil
}

// HandleAccountKeyWrite opens an account key write for the most recent
// key exchange and acknowledges it.
func (p *Peer) HandleAccountKeyWrite(data []byte) ([]byte, error) {
	w, err := protocol.DecodeAccountKeyWrite(data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.current
	if s == nil {
		return nil, errors.New("peertest: account key write before key exchange")
	}
	if !blecrypto.VerifyAccountKeyMAC(s.keys.AuthKey, w.MAC[:], w.IV[:], w.Ciphertext[:], w.GCMTag[:]) {
		return nil, blecrypto.ErrAuthFailure
	}
	plain, err := blecrypto.Decrypt(s.keys.EncKey, w.IV[:], w.Ciphertext[:], w.GCMTag[:])
	if err != nil {
		return nil, err
	}
	var key device.AccountKey
	copy(key[:], plain)
	if key[0] != device.AccountKeyType {
		return nil, fmt.Errorf("peertest: account key type 0x%02x", key[0])
	}
	if !p.hasKey(key) {
		p.keys = append(p.keys, key)
	}

	if s.behavior == NoAck {
		return nil, ErrNoReply
	}
	ackKey := s.keys.EncKey
	if s.behavior == BadAck {
		ackKey = s.keys.AuthKey
	}
	iv, ct, tag, err := blecrypto.Encrypt(ackKey, s.seekerNonce[:], p.random())
	if err != nil {
		return nil, err
	}
	var ack protocol.AccountKeyAck
	copy(ack.IV[:], iv)
	copy(ack.Ciphertext[:], ct)
	copy(ack.GCMTag[:], tag)
	return protocol.EncodeAck(ack), nil
}

func (p *Peer) hasKey(k device.AccountKey) bool {
	for _, have := range p.keys {
		if have == k {
			return true
		}
	}
	return false
}

func (p *Peer) random() io.Reader {
	if p.Random != nil {
		return p.Random
	}
	return rand.Reader
}
