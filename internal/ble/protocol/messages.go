package protocol

import "fmt"

// messageHeaderSize covers version, type and length.
const messageHeaderSize = 3

// Body sizes, fixed per version.
const (
	keyExchangeRequestBodySize  = 1 + NonceSize + PublicKeySize
	keyExchangeResponseBodySize = NonceSize + NonceSize + PublicKeySize + PersistentIDSize + TagSize
	accountKeyWriteBodySize     = IVSize + AccountKeySize + GCMTagSize + TagSize
	accountKeyAckBodySize       = IVSize + NonceSize + GCMTagSize
)

// KeyExchangeRequest opens the handshake: the seeker's nonce and ephemeral
// public key.
type KeyExchangeRequest struct {
	Flags     uint8
	Nonce     [NonceSize]byte
	PublicKey [PublicKeySize]byte
}

// KeyExchangeResponse is the peer's answer. SeekerNonce echoes the request
// nonce so responses to superseded attempts can be told apart.
type KeyExchangeResponse struct {
	SeekerNonce  [NonceSize]byte
	PeerNonce    [NonceSize]byte
	PublicKey    [PublicKeySize]byte
	PersistentID [PersistentIDSize]byte
	Tag          [TagSize]byte
}

// AccountKeyWrite carries the account key sealed under the session
// encryption key, plus a MAC under the session authentication key.
type AccountKeyWrite struct {
	IV         [IVSize]byte
	Ciphertext [AccountKeySize]byte
	GCMTag     [GCMTagSize]byte
	MAC        [TagSize]byte
}

// AccountKeyAck is the peer's sealed acknowledgment of the account key.
type AccountKeyAck struct {
	IV         [IVSize]byte
	Ciphertext [NonceSize]byte
	GCMTag     [GCMTagSize]byte
}

// PeekType returns the type of a GATT message after checking its header.
func PeekType(data []byte) (MessageType, error) {
	r := newReader(data)
	version := r.readByte("version")
	typ := MessageType(r.readByte("type"))
	if r.err != nil {
		return 0, r.err
	}
	if version != Version1 {
		return 0, fmt.Errorf("%w: message version 0x%02x", ErrUnsupportedVersion, version)
	}
	return typ, nil
}

// EncodeRequest serialises a key exchange request.
func EncodeRequest(req KeyExchangeRequest) ([]byte, error) {
	if req.Flags&requestReservedFlags != 0 {
		return nil, fmt.Errorf("protocol: reserved request flag bits set: 0x%02x", req.Flags)
	}
	buf := header(MessageKeyExchangeRequest, keyExchangeRequestBodySize)
	buf = append(buf, req.Flags)
	buf = append(buf, req.Nonce[:]...)
	buf = append(buf, req.PublicKey[:]...)
	return buf, nil
}

// DecodeRequest parses a key exchange request.
func DecodeRequest(data []byte) (KeyExchangeRequest, error) {
	var req KeyExchangeRequest
	r, err := openMessage(data, MessageKeyExchangeRequest, keyExchangeRequestBodySize)
	if err != nil {
		return req, err
	}
	req.Flags = r.readByte("flags")
	r.readInto(req.Nonce[:], "nonce")
	r.readInto(req.PublicKey[:], "public key")
	if err := r.finish(); err != nil {
		return KeyExchangeRequest{}, err
	}
	if req.Flags&requestReservedFlags != 0 {
		return KeyExchangeRequest{}, malformed("reserved request flag bits set: 0x%02x", req.Flags)
	}
	return req, nil
}

// EncodeResponse serialises a key exchange response.
func EncodeResponse(resp KeyExchangeResponse) []byte {
	buf := header(MessageKeyExchangeResponse, keyExchangeResponseBodySize)
	buf = append(buf, resp.SeekerNonce[:]...)
	buf = append(buf, resp.PeerNonce[:]...)
	buf = append(buf, resp.PublicKey[:]...)
	buf = append(buf, resp.PersistentID[:]...)
	buf = append(buf, resp.Tag[:]...)
	return buf
}

// DecodeResponse parses a key exchange response.
func DecodeResponse(data []byte) (KeyExchangeResponse, error) {
	var resp KeyExchangeResponse
	r, err := openMessage(data, MessageKeyExchangeResponse, keyExchangeResponseBodySize)
	if err != nil {
		return resp, err
	}
	r.readInto(resp.SeekerNonce[:], "seeker nonce")
	r.readInto(resp.PeerNonce[:], "peer nonce")
	r.readInto(resp.PublicKey[:], "public key")
	r.readInto(resp.PersistentID[:], "persistent id")
	r.readInto(resp.Tag[:], "tag")
	if err := r.finish(); err != nil {
		return KeyExchangeResponse{}, err
	}
	return resp, nil
}

// EncodeAccountKeyWrite serialises an account key write.
func EncodeAccountKeyWrite(w AccountKeyWrite) []byte {
	buf := header(MessageAccountKeyWrite, accountKeyWriteBodySize)
	buf = append(buf, w.IV[:]...)
	buf = append(buf, w.Ciphertext[:]...)
	buf = append(buf, w.GCMTag[:]...)
	buf = append(buf, w.MAC[:]...)
	return buf
}

// DecodeAccountKeyWrite parses an account key write.
func DecodeAccountKeyWrite(data []byte) (AccountKeyWrite, error) {
	var w AccountKeyWrite
	r, err := openMessage(data, MessageAccountKeyWrite, accountKeyWriteBodySize)
	if err != nil {
		return w, err
	}
	r.readInto(w.IV[:], "iv")
	r.readInto(w.Ciphertext[:], "ciphertext")
	r.readInto(w.GCMTag[:], "gcm tag")
	r.readInto(w.MAC[:], "mac")
	if err := r.finish(); err != nil {
		return AccountKeyWrite{}, err
	}
	return w, nil
}

// EncodeAck serialises an account key acknowledgment.
func EncodeAck(ack AccountKeyAck) []byte {
	buf := header(MessageAccountKeyAck, accountKeyAckBodySize)
	buf = append(buf, ack.IV[:]...)
	buf = append(buf, ack.Ciphertext[:]...)
	buf = append(buf, ack.GCMTag[:]...)
	return buf
}

// DecodeAck parses an account key acknowledgment.
func DecodeAck(data []byte) (AccountKeyAck, error) {
	var ack AccountKeyAck
	r, err := openMessage(data, MessageAccountKeyAck, accountKeyAckBodySize)
	if err != nil {
		return ack, err
	}
	r.readInto(ack.IV[:], "iv")
	r.readInto(ack.Ciphertext[:], "ciphertext")
	r.readInto(ack.GCMTag[:], "gcm tag")
	if err := r.finish(); err != nil {
		return AccountKeyAck{}, err
	}
	return ack, nil
}

func header(typ MessageType, bodySize int) []byte {
	buf := make([]byte, 0, messageHeaderSize+bodySize)
	return append(buf, Version1, byte(typ), byte(bodySize))
}

// openMessage validates the header of a GATT message and returns a reader
// positioned at the body.
func openMessage(data []byte, want MessageType, bodySize int) (*reader, error) {
	r := newReader(data)
	version := r.readByte("version")
	typ := MessageType(r.readByte("type"))
	length := int(r.readByte("length"))
	if r.err != nil {
		return nil, r.err
	}
	if version != Version1 {
		return nil, fmt.Errorf("%w: message version 0x%02x", ErrUnsupportedVersion, version)
	}
	if typ != want {
		return nil, malformed("message type %s, want %s", typ, want)
	}
	if length != bodySize {
		return nil, malformed("%s length %d, want %d", want, length, bodySize)
	}
	if r.remaining() != length {
		return nil, malformed("%s length byte %d, payload %d", want, length, r.remaining())
	}
	return r, nil
}
