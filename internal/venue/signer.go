package venue

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer is an injected signing capability. The executor holds it behind
// this handle and never sees key material.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(msg []byte) (solana.Signature, error)
}

// KeypairSigner signs with a locally-loaded Solana keypair.
type KeypairSigner struct {
	key solana.PrivateKey
}

// LoadKeypair reads a solana-keygen JSON file.
func LoadKeypair(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("venue: load keypair: %w", err)
	}
	return &KeypairSigner{key: key}, nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) Sign(msg []byte) (solana.Signature, error) {
	return s.key.Sign(msg)
}
