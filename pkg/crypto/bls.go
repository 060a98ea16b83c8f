package crypto

import (
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
	"github.com/ethereum/go-ethereum/crypto"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// BLSSigner is one member key of the confidential cluster.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives a key deterministically. The seed is hashed
// to 32 bytes of key material, so any non-empty string works.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("empty bls seed")
	}
	sk, err := bls.KeyGen[scheme](crypto.Keccak256(seed), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func Verify(pk *BLSPubKey, sig, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sig))
}

// Aggregate combines signatures over the same message
func Aggregate(sigs [][]byte) ([]byte, error) {
	list := make([]bls.Signature, 0, len(sigs))
	for _, sb := range sigs {
		if len(sb) == 0 {
			continue
		}
		list = append(list, bls.Signature(sb))
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}
	return bls.Aggregate(bls.G1{}, list)
}

// VerifyAggregateSameMsg checks an aggregate of one signature per key, all
// over msg.
func VerifyAggregateSameMsg(pks []*BLSPubKey, msg []byte, aggSig []byte) bool {
	if len(pks) == 0 || len(aggSig) == 0 {
		return false
	}
	msgs := make([][]byte, len(pks))
	for i := range msgs {
		msgs[i] = msg
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(aggSig))
}
