// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgjson

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// signPrefix domain-separates request signatures from any other message an
// account key might sign.
const signPrefix = "\x19FrameMarket Signed Request:\n"

// SigningHash is the digest signed for a request.
func SigningHash(msg Signable) []byte {
	return crypto.Keccak256([]byte(signPrefix), msg.Serialize())
}

// Sign signs the message with the account key and sets the signature.
func Sign(priv *ecdsa.PrivateKey, msg Signable) error {
	sig, err := crypto.Sign(SigningHash(msg), priv)
	if err != nil {
		return err
	}
	msg.SetSig(sig)
	return nil
}

// RecoverSigner recovers the account that signed the message.
func RecoverSigner(msg Signable) (common.Address, error) {
	sig := msg.SigBytes()
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, expected %d", len(sig), crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(SigningHash(msg), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
