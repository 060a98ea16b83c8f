// Package confidential models the boundary to the confidential computation
// cluster. An Executor matches a market's selected orders behind the
// boundary and returns a Plan: the fill batch together with its digest and
// the cluster's attestation, which is the authorization token settlement
// requires.
package confidential

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/oblivious"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
)

// ErrAbort means the confidential computation did not complete. It is a
// zero-fill outcome; retrying with the same snapshot is safe.
var ErrAbort = errors.New("confidential execution aborted")

// ErrUnauthorized means a batch's authorization token did not verify.
var ErrUnauthorized = errors.New("batch not authorized by cluster")

// Mode selects which matcher runs behind the boundary.
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeOblivious Mode = "oblivious"
	ModeVerify    Mode = "verify" // run both and compare
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePlain, ModeOblivious, ModeVerify:
		return m, nil
	}
	return "", fmt.Errorf("unknown match mode %q", s)
}

// Plan is the attested output of one confidential pass.
type Plan struct {
	Market      string      `json:"market"`
	Fills       order.Batch `json:"fills"`
	Digest      common.Hash `json:"digest"`
	Attestation []byte      `json:"attestation"`
}

// Attestor signs and verifies plan digests on behalf of the cluster.
type Attestor interface {
	Attest(digest []byte) ([]byte, error)
	Verify(digest, attestation []byte) bool
}

// Executor runs one matching pass for a market.
type Executor interface {
	Execute(ctx context.Context, market string, orders []order.Order) (*Plan, error)
}

type matchFunc func(market string, orders []order.Order) (order.Batch, error)

func matchPlain(market string, orders []order.Order) (order.Batch, error) {
	return orderbook.MatchSnapshot(order.Snapshot{Market: market, Orders: orders})
}

func matchOblivious(market string, orders []order.Order) (order.Batch, error) {
	if err := (order.Snapshot{Market: market, Orders: orders}).Validate(); err != nil {
		return nil, err
	}
	return oblivious.MatchOrders(orders)
}

func matchVerified(market string, orders []order.Order) (order.Batch, error) {
	plain, err := matchPlain(market, orders)
	if err != nil {
		return nil, err
	}
	fixed, err := matchOblivious(market, orders)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(plain, fixed) {
		return nil, &order.InvariantError{Detail: fmt.Sprintf("matchers diverged for %s: %d vs %d fills", market, len(plain), len(fixed))}
	}
	return plain, nil
}

// Engine is the in-process Executor: it runs the selected matcher and has
// the cluster attest the resulting digest.
type Engine struct {
	mode  Mode
	match matchFunc
	att   Attestor
	log   *zap.SugaredLogger
}

func NewEngine(mode Mode, att Attestor, log *zap.SugaredLogger) (*Engine, error) {
	if att == nil {
		return nil, fmt.Errorf("engine needs an attestor")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine{mode: mode, att: att, log: log}
	switch mode {
	case ModePlain:
		e.match = matchPlain
	case ModeOblivious:
		e.match = matchOblivious
	case ModeVerify:
		e.match = matchVerified
	default:
		return nil, fmt.Errorf("unknown match mode %q", mode)
	}
	return e, nil
}

func (e *Engine) Mode() Mode { return e.mode }

// Execute matches orders and returns the attested plan. Validation and
// invariant errors are returned as is; a cancelled context or a failed
// attestation aborts the pass.
func (e *Engine) Execute(ctx context.Context, market string, orders []order.Order) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbort, err)
	}

	fills, err := e.match(market, orders)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbort, err)
	}

	digest := PlanDigest(market, fills)
	att, err := e.att.Attest(digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: attestation: %v", ErrAbort, err)
	}

	e.log.Debugw("plan_attested", "market", market, "mode", e.mode, "orders", len(orders), "fills", len(fills), "digest", digest.Hex())
	return &Plan{Market: market, Fills: fills, Digest: digest, Attestation: att}, nil
}

// Authorize checks that token is the cluster's attestation of exactly this
// market and fill batch.
func Authorize(att Attestor, market string, fills order.Batch, token []byte) error {
	digest := PlanDigest(market, fills)
	if len(token) == 0 || !att.Verify(digest.Bytes(), token) {
		return fmt.Errorf("%w: digest %s", ErrUnauthorized, digest.Hex())
	}
	return nil
}
