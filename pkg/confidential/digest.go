package confidential

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

const digestDomain = "darkpool/plan/v1"

// PlanDigest is keccak256 over a canonical big-endian encoding of the
// market and the ordered fills:
//
//	domain || u32(len(market)) || market || u32(len(fills)) ||
//	  { u32 order || u32 counterparty || u64 in || u64 out }*
func PlanDigest(market string, fills order.Batch) common.Hash {
	h := sha3.NewLegacyKeccak256()
	var buf [24]byte

	h.Write([]byte(digestDomain))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(market)))
	h.Write(buf[:4])
	h.Write([]byte(market))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(fills)))
	h.Write(buf[:4])

	for _, f := range fills {
		binary.BigEndian.PutUint32(buf[0:4], f.OrderIndex)
		binary.BigEndian.PutUint32(buf[4:8], f.CounterpartyIndex)
		binary.BigEndian.PutUint64(buf[8:16], f.AmountIn)
		binary.BigEndian.PutUint64(buf[16:24], f.AmountOut)
		h.Write(buf[:])
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}
