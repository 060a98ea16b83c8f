package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for Pebble storage:
//
//   seq:order                        → next venue-wide order index (u64)
//   ord:<market>:<index>             → Order (JSON)
//   oidx:<index>                     → market of the order
//   nonce:<owner>:<nonce>            → order index that consumed the nonce
//   bal:<owner>:<asset>              → available balance (u64)
//   vault:<market>:<asset>           → market vault balance (u64)
//   batch:<market>:<timestamp>:<id>  → BatchRecord (JSON)
//
// Indexes and timestamps are zero-padded so that lexicographic key order
// equals numeric order.
const (
	prefixOrder      = "ord:"
	prefixOrderIndex = "oidx:"
	prefixNonce      = "nonce:"
	prefixBalance    = "bal:"
	prefixVault      = "vault:"
	prefixBatch      = "batch:"
)

var keyOrderSeq = []byte("seq:order")

// orderKey returns the key for an order
// Format: "ord:{market}:{index}"
func orderKey(market string, index uint32) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixOrder, market, index))
}

// orderPrefix returns the prefix for all orders of a market
// Format: "ord:{market}:"
func orderPrefix(market string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, market))
}

func orderIndexKey(index uint32) []byte {
	return []byte(fmt.Sprintf("%s%010d", prefixOrderIndex, index))
}

func nonceKey(owner common.Address, nonce uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixNonce, owner.Hex(), nonce))
}

// balanceKey returns the key for an owner's balance of one asset
// Format: "bal:{address}:{asset}"
func balanceKey(owner common.Address, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, owner.Hex(), asset))
}

func balancePrefix(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, owner.Hex()))
}

// vaultKey returns the key for a market vault
// Format: "vault:{market}:{asset}"
func vaultKey(market, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixVault, market, asset))
}

// batchKey returns the key for a settled batch record
// Format: "batch:{market}:{timestamp}:{id}"
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func batchKey(market string, timestamp int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixBatch, market, timestamp, id))
}

func batchPrefix(market string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBatch, market))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
