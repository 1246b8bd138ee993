package pairing

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	blecrypto "github.com/kidfromjupiter/nearby/internal/ble/crypto"
	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
)

// SessionConfig parameterises one Session.
type SessionConfig struct {
	// ModelSecret is the manufacturer secret of the peer's model.
	ModelSecret []byte
	// ResponseTimeout bounds the wait for the key exchange response.
	ResponseTimeout time.Duration
	// AckTimeout bounds the wait for the account key acknowledgment.
	AckTimeout time.Duration
	// DesignatedKey, when set, is written instead of a fresh key. It is the
	// key the peer already holds when re-pairing.
	DesignatedKey *device.AccountKey
	// Random supplies nonces, ephemeral keys and IVs. Nil uses crypto/rand.
	Random io.Reader
	// Now reads the monotonic clock used for deadlines. Nil uses time.Now.
	Now func() time.Time
}

// Default handshake timeouts.
const (
	DefaultResponseTimeout = 10 * time.Second
	DefaultAckTimeout      = 10 * time.Second
)

// material is the ephemeral secret state of one attempt.
type material struct {
	priv        *ecdh.PrivateKey
	seekerPub   [protocol.PublicKeySize]byte
	seekerNonce [protocol.NonceSize]byte
	keys        blecrypto.SessionKeys
}

func (m *material) zero() {
	m.priv = nil
	m.keys.Zero()
	blecrypto.Zero(m.seekerNonce[:])
}

// Session is the handshake state machine for one device. It is not safe
// for concurrent use; the Driver serialises events per session.
type Session struct {
	cfg      SessionConfig
	identity device.Identity

	state    State
	attempt  int
	deadline time.Time
	failure  *Failure
	// timerSeq identifies the most recently armed timer.
	timerSeq uint64

	accountKey device.AccountKey
	mat        *material
	usedNonces map[[protocol.NonceSize]byte]struct{}
}

// NewSession returns a session in Discovered for id, on attempt 1.
func NewSession(id device.Identity, cfg SessionConfig) *Session {
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Session{
		cfg:        cfg,
		identity:   id,
		state:      StateDiscovered,
		attempt:    1,
		usedNonces: make(map[[protocol.NonceSize]byte]struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Attempt returns the current attempt number, starting at 1.
func (s *Session) Attempt() int { return s.attempt }

// Identity returns the peer identity, including the persistent id once the
// key exchange is confirmed.
func (s *Session) Identity() device.Identity { return s.identity }

// Deadline returns the pending response deadline, or the zero time.
func (s *Session) Deadline() time.Time { return s.deadline }

// Failure returns the failure of a Failed session, otherwise nil.
func (s *Session) Failure() *Failure { return s.failure }

// AccountKey returns the provisioned key. It is only meaningful once the
// session is Paired.
func (s *Session) AccountKey() device.AccountKey { return s.accountKey }

// Repairing reports whether the session writes a designated key.
func (s *Session) Repairing() bool { return s.cfg.DesignatedKey != nil }

// Restart moves a session that failed for a retryable reason back to
// Discovered under a new attempt number.
func (s *Session) Restart() error {
	if s.state != StateFailed || s.failure == nil || !s.failure.Reason.Retryable() {
		return fmt.Errorf("pairing: restart from %s: %w", s.state, ErrInvalidCommand)
	}
	s.attempt++
	s.state = StateDiscovered
	s.failure = nil
	s.deadline = time.Time{}
	return nil
}

// Handle applies ev and returns the commands the caller must execute, in
// order. Events on a terminal session are ignored.
func (s *Session) Handle(ev Event) []Command {
	if s.state.Terminal() {
		return nil
	}
	switch e := ev.(type) {
	case Begin:
		if s.state != StateDiscovered {
			return s.fail(ReasonProtocolError, fmt.Errorf("begin in %s: %w", s.state, ErrInvalidCommand))
		}
		return s.begin()
	case BytesReceived:
		return s.handleBytes(e)
	case TimerFired:
		if e.Attempt != s.attempt || e.Seq != s.timerSeq {
			return nil
		}
		if s.state == StateKeyExchangeSent || s.state == StateAccountKeyWriteSent {
			return s.fail(ReasonTimeout, fmt.Errorf("%s: %w", s.state, ErrTimeout))
		}
		return nil
	case ProvisionAccountKey:
		if s.state != StateKeyExchangeConfirmed {
			return s.fail(ReasonProtocolError, fmt.Errorf("provision in %s: %w", s.state, ErrInvalidCommand))
		}
		return s.provision()
	case Abort:
		err := ErrTransportLost
		if e.Err != nil {
			err = fmt.Errorf("%w: %w", ErrTransportLost, e.Err)
		}
		return s.fail(ReasonTransportLost, err)
	default:
		return s.fail(ReasonProtocolError, fmt.Errorf("event %T: %w", ev, ErrInvalidCommand))
	}
}

func (s *Session) begin() []Command {
	priv, pub, err := blecrypto.GenerateKeyPair(s.cfg.Random)
	if err != nil {
		return s.fail(ReasonProtocolError, err)
	}
	nonce, err := s.freshNonce()
	if err != nil {
		return s.fail(ReasonProtocolError, err)
	}

	m := &material{priv: priv, seekerPub: blecrypto.CompressPublicKey(pub), seekerNonce: nonce}
	req := protocol.KeyExchangeRequest{
		Flags:     protocol.RequestFlagInitiateBonding,
		Nonce:     m.seekerNonce,
		PublicKey: m.seekerPub,
	}
	if s.Repairing() {
		req.Flags |= protocol.RequestFlagRepair
	}
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return s.fail(ReasonProtocolError, err)
	}

	s.mat = m
	s.state = StateKeyExchangeSent
	s.deadline = s.cfg.Now().Add(s.cfg.ResponseTimeout)
	return []Command{
		SendBytes{Characteristic: protocol.CharKeyBasedPairing, Data: data},
		s.armTimer(s.cfg.ResponseTimeout),
	}
}

// freshNonce draws a nonce and records it. Drawing a nonce this session
// has already used means the random source is broken, which is fatal.
func (s *Session) freshNonce() ([protocol.NonceSize]byte, error) {
	var n [protocol.NonceSize]byte
	if _, err := io.ReadFull(s.cfg.Random, n[:]); err != nil {
		return n, fmt.Errorf("pairing: read nonce: %w", err)
	}
	if _, dup := s.usedNonces[n]; dup {
		panic(fmt.Sprintf("pairing: nonce %x reused by session for %s", n, s.identity))
	}
	s.usedNonces[n] = struct{}{}
	return n, nil
}

func (s *Session) handleBytes(e BytesReceived) []Command {
	switch {
	case s.state == StateKeyExchangeSent && e.Characteristic == protocol.CharKeyBasedPairing:
		return s.handleResponse(e.Data)
	case s.state == StateAccountKeyWriteSent && e.Characteristic == protocol.CharAccountKey:
		return s.handleAck(e.Data)
	case s.state == StateDiscovered && s.attempt > 1:
		// Nothing has been sent for this attempt yet.
		return nil
	default:
		return s.fail(ReasonProtocolError,
			fmt.Errorf("%s on %s in %s: %w", messageName(e.Data), e.Characteristic, s.state, ErrOutOfOrder))
	}
}

func (s *Session) handleResponse(data []byte) []Command {
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		return s.fail(ReasonProtocolError, err)
	}
	m := s.mat
	if resp.SeekerNonce != m.seekerNonce {
		if _, old := s.usedNonces[resp.SeekerNonce]; old {
			return nil
		}
		return s.fail(ReasonProtocolError, fmt.Errorf("response for unknown nonce: %w", ErrOutOfOrder))
	}
	if s.expired() {
		return s.fail(ReasonTimeout, fmt.Errorf("response after deadline: %w", ErrTimeout))
	}
	if _, own := s.usedNonces[resp.PeerNonce]; own {
		return s.fail(ReasonProtocolError, ErrNonceReflected)
	}

	peerPub, err := blecrypto.ParseCompressedPublicKey(resp.PublicKey[:])
	if err != nil {
		return s.fail(ReasonAuthenticationFailed, err)
	}
	shared, err := blecrypto.DeriveSharedSecret(m.priv, peerPub)
	if err != nil {
		return s.fail(ReasonAuthenticationFailed, err)
	}
	keys, err := blecrypto.DeriveSessionKeys(shared, s.cfg.ModelSecret,
		blecrypto.HandshakeContext(m.seekerNonce[:], resp.PeerNonce[:]))
	blecrypto.Zero(shared)
	if err != nil {
		return s.fail(ReasonProtocolError, err)
	}
	m.keys = keys
	m.priv = nil

	if !blecrypto.VerifyPeerConfirmTag(keys.AuthKey, resp.Tag[:],
		m.seekerNonce[:], resp.PeerNonce[:], m.seekerPub[:], resp.PublicKey[:], resp.PersistentID[:]) {
		return s.fail(ReasonAuthenticationFailed, ErrTagMismatch)
	}

	if resp.PersistentID != ([protocol.PersistentIDSize]byte{}) {
		s.identity.PersistentID = device.PersistentIDFromBytes(resp.PersistentID[:])
	}
	s.state = StateKeyExchangeConfirmed
	s.deadline = time.Time{}
	return []Command{s.cancelTimer()}
}

func (s *Session) provision() []Command {
	var key device.AccountKey
	if s.cfg.DesignatedKey != nil {
		key = *s.cfg.DesignatedKey
	} else {
		var err error
		if key, err = device.NewAccountKey(s.cfg.Random); err != nil {
			return s.fail(ReasonProtocolError, err)
		}
	}

	m := s.mat
	iv, ct, tag, err := blecrypto.Encrypt(m.keys.EncKey, key[:], s.cfg.Random)
	if err != nil {
		return s.fail(ReasonProtocolError, err)
	}
	var w protocol.AccountKeyWrite
	copy(w.IV[:], iv)
	copy(w.Ciphertext[:], ct)
	copy(w.GCMTag[:], tag)
	w.MAC = blecrypto.AccountKeyMAC(m.keys.AuthKey, iv, ct, tag)

	s.accountKey = key
	s.state = StateAccountKeyWriteSent
	s.deadline = s.cfg.Now().Add(s.cfg.AckTimeout)
	return []Command{
		SendBytes{Characteristic: protocol.CharAccountKey, Data: protocol.EncodeAccountKeyWrite(w)},
		s.armTimer(s.cfg.AckTimeout),
	}
}

func (s *Session) handleAck(data []byte) []Command {
	ack, err := protocol.DecodeAck(data)
	if err != nil {
		return s.fail(ReasonProtocolError, err)
	}
	if s.expired() {
		return s.fail(ReasonTimeout, fmt.Errorf("ack after deadline: %w", ErrTimeout))
	}
	m := s.mat
	plain, err := blecrypto.Decrypt(m.keys.EncKey, ack.IV[:], ack.Ciphertext[:], ack.GCMTag[:])
	if err != nil {
		return s.fail(ReasonProtocolError, fmt.Errorf("open ack: %w", err))
	}
	ok := subtle.ConstantTimeCompare(plain, m.seekerNonce[:]) == 1
	blecrypto.Zero(plain)
	if !ok {
		return s.fail(ReasonProtocolError, ErrAckMismatch)
	}

	s.state = StatePaired
	s.deadline = time.Time{}
	s.discard()
	return []Command{s.cancelTimer()}
}

func (s *Session) armTimer(after time.Duration) ArmTimer {
	s.timerSeq++
	return ArmTimer{Attempt: s.attempt, Seq: s.timerSeq, After: after}
}

func (s *Session) cancelTimer() CancelTimer {
	return CancelTimer{Attempt: s.attempt, Seq: s.timerSeq}
}

func (s *Session) expired() bool {
	return !s.deadline.IsZero() && s.cfg.Now().After(s.deadline)
}

func (s *Session) fail(reason Reason, err error) []Command {
	var cmds []Command
	if s.state == StateKeyExchangeSent || s.state == StateAccountKeyWriteSent {
		cmds = append(cmds, s.cancelTimer())
	}
	s.state = StateFailed
	s.failure = fail(reason, err)
	s.deadline = time.Time{}
	s.accountKey = device.AccountKey{}
	s.discard()
	return cmds
}

func (s *Session) discard() {
	if s.mat != nil {
		s.mat.zero()
		s.mat = nil
	}
}

func messageName(data []byte) string {
	typ, err := protocol.PeekType(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedVersion) {
			return "unsupported message"
		}
		return "malformed message"
	}
	return typ.String()
}
