package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

func TestEncodeKeysByMarket(t *testing.T) {
	ev := BatchSettled{
		BatchID:   "b1",
		Market:    "SOL-USDC",
		Fills:     order.Batch{{OrderIndex: 1, CounterpartyIndex: 2, AmountIn: 3, AmountOut: 3}},
		Applied:   1,
		Timestamp: 1700000000,
	}
	msg, err := encode(ev)
	require.NoError(t, err)
	assert.Equal(t, []byte("SOL-USDC"), msg.Key)
	assert.Equal(t, int64(1700000000), msg.Time.Unix())

	var decoded BatchSettled
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev, decoded)
	assert.NotContains(t, string(msg.Value), "rejection")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.PublishBatch(context.Background(), BatchSettled{BatchID: "a"}))
	require.NoError(t, r.PublishBatch(context.Background(), BatchSettled{BatchID: "b"}))

	got := r.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].BatchID)

	got[0].BatchID = "changed"
	assert.Equal(t, "a", r.Events()[0].BatchID)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishBatch(context.Background(), BatchSettled{}))
	assert.NoError(t, p.Close())
}
