package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different deployments
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the default EIP-712 domain for the pool
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Darkpool",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{}, // off-chain signing
	}
}

// Side encodings inside signed requests. Zero is rejected.
const (
	SideBid uint8 = 1
	SideAsk uint8 = 2
)

// PlaceOrderEIP712 is the typed data an owner signs to place an order.
type PlaceOrderEIP712 struct {
	Market       string
	Side         uint8
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Nonce        *big.Int
	Owner        common.Address
}

// CancelEIP712 is the typed data an owner signs to cancel an order.
type CancelEIP712 struct {
	OrderIndex *big.Int
	Market     string
	Nonce      *big.Int
	Owner      common.Address
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// EIP712Signer handles EIP-712 typed data hashing for pool requests
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// HashPlace returns the digest an owner signs for a placement
func (e *EIP712Signer) HashPlace(o *PlaceOrderEIP712) ([]byte, error) {
	if o.AmountIn == nil || o.MinAmountOut == nil || o.Nonce == nil {
		return nil, fmt.Errorf("place request has missing numeric fields")
	}
	return e.hash("PlaceOrder", []apitypes.Type{
		{Name: "market", Type: "string"},
		{Name: "side", Type: "uint8"},
		{Name: "amountIn", Type: "uint256"},
		{Name: "minAmountOut", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}, apitypes.TypedDataMessage{
		"market":       o.Market,
		"side":         fmt.Sprintf("%d", o.Side),
		"amountIn":     o.AmountIn.String(),
		"minAmountOut": o.MinAmountOut.String(),
		"nonce":        o.Nonce.String(),
		"owner":        o.Owner.Hex(),
	})
}

// HashCancel returns the digest an owner signs for a cancellation
func (e *EIP712Signer) HashCancel(c *CancelEIP712) ([]byte, error) {
	if c.OrderIndex == nil || c.Nonce == nil {
		return nil, fmt.Errorf("cancel request has missing numeric fields")
	}
	return e.hash("CancelOrder", []apitypes.Type{
		{Name: "orderIndex", Type: "uint256"},
		{Name: "market", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}, apitypes.TypedDataMessage{
		"orderIndex": c.OrderIndex.String(),
		"market":     c.Market,
		"nonce":      c.Nonce.String(),
		"owner":      c.Owner.Hex(),
	})
}

func (e *EIP712Signer) hash(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignPlace signs a placement request
func (e *EIP712Signer) SignPlace(signer *Signer, o *PlaceOrderEIP712) ([]byte, error) {
	hash, err := e.HashPlace(o)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignCancel signs a cancellation request
func (e *EIP712Signer) SignCancel(signer *Signer, c *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(c)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverPlaceSigner recovers the address that signed a placement
func (e *EIP712Signer) RecoverPlaceSigner(o *PlaceOrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashPlace(o)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// RecoverCancelSigner recovers the address that signed a cancellation
func (e *EIP712Signer) RecoverCancelSigner(c *CancelEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashCancel(c)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}
