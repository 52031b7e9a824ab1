// Package signature provides helper functions for handling the chain
// signature needs.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ZeroHash represents a hash code of zeros.
var ZeroHash = common.Hash{}

// Hash returns the keccak hash of the RLP encoding of the value.
func Hash(value any) common.Hash {
	data, err := rlp.EncodeToBytes(value)
	if err != nil {
		return ZeroHash
	}

	return crypto.Keccak256Hash(data)
}

// Sign signs the digest with the private key and returns the signature in the
// [R|S|V] format with the recovery id protected by the chain id.
func Sign(digest common.Hash, privateKey *ecdsa.PrivateKey, chainID uint64) (v, r, s *big.Int, err error) {
	sig, err := crypto.Sign(digest[:], privateKey)
	if err != nil {
		return nil, nil, nil, err
	}

	// Check the public key extracted from the digest and signature.
	publicKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, nil, nil, err
	}
	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), digest[:], rs) {
		return nil, nil, nil, errors.New("invalid signature")
	}

	v, r, s = toSignatureValues(sig, chainID)

	return v, r, s, nil
}

// RecoverAddress extracts the address for the account that produced the
// signature over the digest.
func RecoverAddress(digest common.Hash, v, r, s *big.Int, chainID uint64) (common.Address, error) {
	recoveryID, err := recoveryID(v, chainID)
	if err != nil {
		return common.Address{}, err
	}

	if !crypto.ValidateSignatureValues(recoveryID, r, s, true) {
		return common.Address{}, errors.New("invalid signature values")
	}

	sig := toSignatureBytes(recoveryID, r, s)

	publicKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}

	return crypto.PubkeyToAddress(*publicKey), nil
}

// SignatureString returns the signature as a string.
func SignatureString(v, r, s *big.Int, chainID uint64) string {
	recoveryID, err := recoveryID(v, chainID)
	if err != nil {
		recoveryID = 0
	}

	return hexutil.Encode(toSignatureBytes(recoveryID, r, s))
}

// =============================================================================

// toSignatureValues converts the 65 byte signature into the [R|S|V] format,
// protecting the recovery id per EIP-155 when a chain id is in play.
func toSignatureValues(sig []byte, chainID uint64) (v, r, s *big.Int) {
	r = new(big.Int).SetBytes(sig[:32])
	s = new(big.Int).SetBytes(sig[32:64])

	if chainID == 0 {
		v = new(big.Int).SetInt64(int64(sig[64]) + 27)
		return v, r, s
	}

	v = new(big.Int).SetUint64(uint64(sig[64]) + 35 + 2*chainID)

	return v, r, s
}

// recoveryID extracts the raw recovery id from the protected v value.
func recoveryID(v *big.Int, chainID uint64) (byte, error) {
	if v == nil {
		return 0, errors.New("missing signature values")
	}

	id := v.Uint64()
	switch {
	case chainID != 0 && id >= 35+2*chainID:
		id = id - 35 - 2*chainID
	case id == 27 || id == 28:
		id = id - 27
	default:
		return 0, errors.New("invalid recovery id")
	}

	if id != 0 && id != 1 {
		return 0, errors.New("invalid recovery id")
	}

	return byte(id), nil
}

// toSignatureBytes converts the [R|S|V] format into the original 65 bytes.
func toSignatureBytes(recoveryID byte, r, s *big.Int) []byte {
	sig := make([]byte, crypto.SignatureLength)

	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])
	sig[64] = recoveryID

	return sig
}
