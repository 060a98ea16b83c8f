package transaction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

// ErrBadSignature is returned when a request was not signed by its owner.
var ErrBadSignature = errors.New("signature does not match owner")

// Verifier checks owner signatures on pool requests
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// VerifyPlace checks the request and returns the order draft it authorises.
// Index, CreatedAt and Status are left for the pool to assign.
func (v *Verifier) VerifyPlace(r *PlaceRequest) (*order.Order, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	typed, err := r.ToEIP712()
	if err != nil {
		return nil, err
	}
	sig, err := decodeSignature(r.Signature)
	if err != nil {
		return nil, err
	}
	signer, err := v.eip712Signer.RecoverPlaceSigner(typed, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != typed.Owner {
		return nil, fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}

	return &order.Order{
		Market:       typed.Market,
		Owner:        typed.Owner,
		Side:         uint8ToSide(typed.Side),
		AmountIn:     typed.AmountIn.Uint64(),
		MinAmountOut: typed.MinAmountOut.Uint64(),
		Nonce:        typed.Nonce.Uint64(),
	}, nil
}

// VerifyCancel checks the request and returns the owner and order index.
func (v *Verifier) VerifyCancel(r *CancelRequest) (common.Address, uint32, error) {
	if err := r.Validate(); err != nil {
		return common.Address{}, 0, err
	}
	typed, err := r.ToEIP712()
	if err != nil {
		return common.Address{}, 0, err
	}
	sig, err := decodeSignature(r.Signature)
	if err != nil {
		return common.Address{}, 0, err
	}
	signer, err := v.eip712Signer.RecoverCancelSigner(typed, sig)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != typed.Owner {
		return common.Address{}, 0, fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}
	return typed.Owner, uint32(typed.OrderIndex.Uint64()), nil
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}
