package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/escrow"
	"github.com/uhyunpark/darkpool/pkg/app/core/market"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/transaction"
	"github.com/uhyunpark/darkpool/pkg/app/pool"
	"github.com/uhyunpark/darkpool/pkg/confidential"
	"github.com/uhyunpark/darkpool/pkg/crypto"
	"github.com/uhyunpark/darkpool/pkg/storage"
)

const sol = "SOL-USDC"

type testEnv struct {
	srv       *Server
	http      *httptest.Server
	committee *crypto.Committee
	eip712    *crypto.EIP712Signer
	nonce     int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewInMemoryPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.Market{ID: sol, BaseAsset: "SOL", QuoteAsset: "USDC"}))

	committee, err := crypto.NewCommittee([]string{"a", "b"})
	require.NoError(t, err)
	engine, err := confidential.NewEngine(confidential.ModeOblivious, committee, nil)
	require.NoError(t, err)

	app, err := pool.New(pool.Deps{
		Store:    store,
		Ledger:   escrow.NewLedger(store, reg, nil),
		Markets:  reg,
		Executor: engine,
		Attestor: committee,
	})
	require.NoError(t, err)

	srv := NewServer(app, transaction.NewVerifier(crypto.DefaultDomain()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return &testEnv{srv: srv, http: ts, committee: committee, eip712: crypto.NewEIP712Signer(crypto.DefaultDomain())}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func (e *testEnv) fund(t *testing.T, signer *crypto.Signer, asset string, amount uint64) {
	t.Helper()
	code, body := e.do(t, "POST", "/api/v1/accounts/"+signer.Address().Hex()+"/deposit", TransferRequest{Asset: asset, Amount: amount})
	require.Equal(t, http.StatusOK, code, string(body))
}

func (e *testEnv) placeReq(t *testing.T, signer *crypto.Signer, side uint8, amount int64) *transaction.PlaceRequest {
	t.Helper()
	e.nonce++
	typed := &crypto.PlaceOrderEIP712{
		Market:       sol,
		Side:         side,
		AmountIn:     big.NewInt(amount),
		MinAmountOut: big.NewInt(0),
		Nonce:        big.NewInt(e.nonce),
		Owner:        signer.Address(),
	}
	sig, err := e.eip712.SignPlace(signer, typed)
	require.NoError(t, err)
	req := transaction.FromEIP712Place(typed)
	req.Signature = fmt.Sprintf("0x%x", sig)
	return req
}

func (e *testEnv) place(t *testing.T, signer *crypto.Signer, side uint8, amount int64) OrderInfo {
	t.Helper()
	code, body := e.do(t, "POST", "/api/v1/orders", e.placeReq(t, signer, side, amount))
	require.Equal(t, http.StatusOK, code, string(body))
	return decode[PlaceOrderResponse](t, body).Order
}

func newKey(t *testing.T) *crypto.Signer {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func TestHealthAndMarkets(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = e.do(t, "GET", "/api/v1/markets", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []MarketInfo{{ID: sol, BaseAsset: "SOL", QuoteAsset: "USDC", Status: "active"}}, decode[[]MarketInfo](t, body))

	code, _ = e.do(t, "GET", "/api/v1/markets/BTC-USDC", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPlaceOrderFlow(t *testing.T) {
	e := newTestEnv(t)
	alice := newKey(t)
	e.fund(t, alice, "USDC", 150)

	o := e.place(t, alice, crypto.SideBid, 100)
	assert.Equal(t, "open", o.Status)
	assert.Equal(t, uint64(100), o.Remaining)

	code, body := e.do(t, "GET", "/api/v1/accounts/"+alice.Address().Hex()+"/balances", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]uint64{"USDC": 50}, decode[BalancesResponse](t, body).Balances)

	t.Run("replayed nonce", func(t *testing.T) {
		req := e.placeReq(t, alice, crypto.SideBid, 10)
		code, _ := e.do(t, "POST", "/api/v1/orders", req)
		require.Equal(t, http.StatusOK, code)
		code, _ = e.do(t, "POST", "/api/v1/orders", req)
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("forged owner", func(t *testing.T) {
		req := e.placeReq(t, alice, crypto.SideBid, 10)
		req.Owner = newKey(t).Address().Hex()
		code, _ := e.do(t, "POST", "/api/v1/orders", req)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("unfunded", func(t *testing.T) {
		code, _ := e.do(t, "POST", "/api/v1/orders", e.placeReq(t, alice, crypto.SideBid, 1000))
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("malformed", func(t *testing.T) {
		req := e.placeReq(t, alice, crypto.SideBid, 10)
		req.AmountIn = "ten"
		code, _ := e.do(t, "POST", "/api/v1/orders", req)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("orders need owner", func(t *testing.T) {
		code, _ := e.do(t, "GET", "/api/v1/markets/"+sol+"/orders", nil)
		assert.Equal(t, http.StatusBadRequest, code)

		code, body := e.do(t, "GET", "/api/v1/markets/"+sol+"/orders?owner="+alice.Address().Hex(), nil)
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, decode[[]OrderInfo](t, body), 2)

		code, body = e.do(t, "GET", "/api/v1/markets/"+sol+"/orders?owner="+newKey(t).Address().Hex(), nil)
		require.Equal(t, http.StatusOK, code)
		assert.Empty(t, decode[[]OrderInfo](t, body))
	})
}

func TestCancelOrder(t *testing.T) {
	e := newTestEnv(t)
	alice := newKey(t)
	e.fund(t, alice, "SOL", 40)
	o := e.place(t, alice, crypto.SideAsk, 40)

	cancel := func(signer *crypto.Signer, owner string) (int, []byte) {
		typed := &crypto.CancelEIP712{
			OrderIndex: big.NewInt(int64(o.Index)),
			Market:     sol,
			Nonce:      big.NewInt(1),
			Owner:      signer.Address(),
		}
		sig, err := e.eip712.SignCancel(signer, typed)
		require.NoError(t, err)
		req := transaction.FromEIP712Cancel(typed)
		req.Signature = fmt.Sprintf("0x%x", sig)
		if owner != "" {
			req.Owner = owner
		}
		return e.do(t, "POST", "/api/v1/orders/cancel", req)
	}

	mallory := newKey(t)
	code, _ := cancel(mallory, "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = cancel(mallory, alice.Address().Hex())
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := cancel(alice, "")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, CancelOrderResponse{Status: "cancelled", OrderIndex: o.Index, Refund: 40}, decode[CancelOrderResponse](t, body))

	code, _ = cancel(alice, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestMatchAndSettleAndStream(t *testing.T) {
	e := newTestEnv(t)
	alice, bob := newKey(t), newKey(t)
	e.fund(t, alice, "USDC", 70)
	e.fund(t, bob, "SOL", 50)
	bid := e.place(t, alice, crypto.SideBid, 70)
	ask := e.place(t, bob, crypto.SideAsk, 50)

	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"settlements:" + sol}}))
	require.Eventually(t, func() bool {
		e.srv.hub.mu.RLock()
		defer e.srv.hub.mu.RUnlock()
		for c := range e.srv.hub.clients {
			if c.IsSubscribed("settlements:" + sol) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	code, body := e.do(t, "POST", "/api/v1/match-and-settle", MatchRequest{Market: sol})
	require.Equal(t, http.StatusOK, code, string(body))
	res := decode[CycleResponse](t, body)
	want := order.Batch{{OrderIndex: bid.Index, CounterpartyIndex: ask.Index, AmountIn: 50, AmountOut: 50}}
	assert.Equal(t, want, res.Applied)
	assert.False(t, res.Aborted)
	assert.Nil(t, res.Rejection)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var update SettlementUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "settlement", update.Type)
	assert.Equal(t, res.BatchID, update.BatchID)
	assert.Equal(t, want, update.Fills)

	code, body = e.do(t, "GET", "/api/v1/markets/"+sol+"/batches?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	batches := decode[[]BatchInfo](t, body)
	require.Len(t, batches, 1)
	assert.Equal(t, res.Digest, batches[0].Digest)

	code, _ = e.do(t, "GET", "/api/v1/markets/"+sol+"/batches?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, "GET", "/api/v1/accounts/"+bob.Address().Hex()+"/balances", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]uint64{"USDC": 50}, decode[BalancesResponse](t, body).Balances)

	code, body = e.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "darkpool_fills_settled_total")
}

func TestSettleRequiresClusterToken(t *testing.T) {
	e := newTestEnv(t)
	alice, bob := newKey(t), newKey(t)
	e.fund(t, alice, "USDC", 10)
	e.fund(t, bob, "SOL", 10)
	bid := e.place(t, alice, crypto.SideBid, 10)
	ask := e.place(t, bob, crypto.SideAsk, 10)
	fills := order.Batch{{OrderIndex: bid.Index, CounterpartyIndex: ask.Index, AmountIn: 10, AmountOut: 10}}

	code, _ := e.do(t, "POST", "/api/v1/settle", SettleRequest{Market: sol, Fills: fills, Token: "0x00"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, "POST", "/api/v1/settle", SettleRequest{Market: sol, Fills: fills, Token: "zz"})
	assert.Equal(t, http.StatusBadRequest, code)

	token, err := e.committee.Attest(confidential.PlanDigest(sol, fills).Bytes())
	require.NoError(t, err)
	code, body := e.do(t, "POST", "/api/v1/settle", SettleRequest{Market: sol, Fills: fills, Token: fmt.Sprintf("0x%x", token)})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, fills, decode[CycleResponse](t, body).Applied)

	// same batch again overshoots the orders
	code, body = e.do(t, "POST", "/api/v1/settle", SettleRequest{Market: sol, Fills: fills, Token: fmt.Sprintf("0x%x", token)})
	require.Equal(t, http.StatusConflict, code)
	res := decode[CycleResponse](t, body)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, "insufficient_remaining", res.Rejection.Reason)
	assert.Empty(t, res.Applied)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", market.ErrNotFound), http.StatusNotFound},
		{pool.ErrOrderNotFound, http.StatusNotFound},
		{pool.ErrNotOwner, http.StatusForbidden},
		{confidential.ErrUnauthorized, http.StatusUnauthorized},
		{storage.ErrNonceUsed, http.StatusConflict},
		{escrow.ErrInsufficientBalance, http.StatusConflict},
		{pool.ErrInvalidOrder, http.StatusBadRequest},
		{&order.ValidationError{Index: 1, Reason: "dup"}, http.StatusBadRequest},
		{&order.InvariantError{Detail: "boom"}, http.StatusInternalServerError},
		{escrow.ErrInsufficientVault, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
