package crypto

// Labels bound into the handshake tags so a tag for one message can never
// be replayed as another.
var (
	labelPeerConfirm = []byte("peer-confirm")
	labelAccountKey  = []byte("account-key")
)

// HandshakeContext is the HKDF context of one handshake attempt: the seeker
// nonce followed by the peer nonce.
func HandshakeContext(seekerNonce, peerNonce []byte) []byte {
	ctx := make([]byte, 0, len(seekerNonce)+len(peerNonce))
	ctx = append(ctx, seekerNonce...)
	return append(ctx, peerNonce...)
}

// PeerConfirmTag is the tag a peer returns in its key exchange response.
// authKey is salted with the model secret, so only a peer holding that
// secret can produce it.
func PeerConfirmTag(authKey, seekerNonce, peerNonce, seekerPub, peerPub, persistentID []byte) [TagSize]byte {
	return ComputeTag(authKey, labelPeerConfirm, seekerNonce, peerNonce, seekerPub, peerPub, persistentID)
}

// VerifyPeerConfirmTag checks tag against PeerConfirmTag in constant time.
func VerifyPeerConfirmTag(authKey, tag, seekerNonce, peerNonce, seekerPub, peerPub, persistentID []byte) bool {
	return VerifyTag(authKey, tag, labelPeerConfirm, seekerNonce, peerNonce, seekerPub, peerPub, persistentID)
}

// AccountKeyMAC authenticates a sealed account key write.
func AccountKeyMAC(authKey, iv, ciphertext, gcmTag []byte) [TagSize]byte {
	return ComputeTag(authKey, labelAccountKey, iv, ciphertext, gcmTag)
}

// VerifyAccountKeyMAC checks mac against AccountKeyMAC in constant time.
func VerifyAccountKeyMAC(authKey, mac, iv, ciphertext, gcmTag []byte) bool {
	return VerifyTag(authKey, mac, labelAccountKey, iv, ciphertext, gcmTag)
}
