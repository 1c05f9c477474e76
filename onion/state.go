// Package onion implements the per-hop onion-layer crypto: the layered
// AES-128-CTR encryption and running SHA-1 digests that let a relay cell be
// wrapped once per hop on the way out and peeled off layer by layer (in
// either direction) on the way back.
package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"fmt"
	"hash"

	"github.com/cvsouth/torcore/ntor"
)

// CryptoState holds the encryption state for one circuit hop: a forward and
// backward AES-128-CTR stream cipher plus a forward and backward running
// SHA-1 digest, all derived from a single ntor handshake's key material.
type CryptoState struct {
	kf cipher.Stream // forward AES-128-CTR (client -> relay)
	kb cipher.Stream // backward AES-128-CTR (relay -> client)
	df hash.Hash     // forward running SHA-1 digest
	db hash.Hash     // backward running SHA-1 digest
}

// NewCryptoState derives a hop's forward/backward ciphers and digests from
// ntor key material. The AES-CTR streams use a zero IV and persist their
// counter across every cell sent on the hop — tor-spec §0.3 treats the whole
// circuit lifetime as one continuous keystream, not one per cell. The SHA-1
// digests are seeded with Df/Db and likewise keep running across cells.
func NewCryptoState(km *ntor.KeyMaterial) (*CryptoState, error) {
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(km.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher backward: %w", err)
	}

	df := sha1.New()
	df.Write(km.Df[:])
	db := sha1.New()
	db.Write(km.Db[:])

	return &CryptoState{
		kf: cipher.NewCTR(fwdBlock, zeroIV),
		kb: cipher.NewCTR(bwdBlock, zeroIV),
		df: df,
		db: db,
	}, nil
}

// BackwardDigest returns the current backward running digest (for SENDME v1,
// tor-spec §6.3.1). It does not reset or consume hash state — hash.Hash.Sum
// only appends, it never finalizes.
func (cs *CryptoState) BackwardDigest() []byte {
	return cs.db.Sum(nil)
}

// NewCryptoStateFromParts builds a CryptoState from already-initialized
// cipher streams and digests. Used where key derivation happens outside the
// standard ntor path (e.g. a non-standard KDF supplying pre-split keys).
func NewCryptoStateFromParts(kf, kb cipher.Stream, df, db hash.Hash) *CryptoState {
	return &CryptoState{kf: kf, kb: kb, df: df, db: db}
}
