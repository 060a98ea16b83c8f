package market

import (
	"fmt"
	"strings"
)

// Status defines the trading status of a market
type Status int8

const (
	Active  Status = iota // Placement and matching enabled
	Paused                // Placement halted, cancels still allowed
	Settled               // Market closed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

// Market is a base/quote pair traded in the pool (e.g. SOL-USDC).
// Bids pay QuoteAsset to receive BaseAsset; asks the reverse.
type Market struct {
	ID         string `json:"id"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Status     Status `json:"status"`
}

// InputAsset returns the asset an order on the given side commits.
func (m Market) InputAsset(isBid bool) string {
	if isBid {
		return m.QuoteAsset
	}
	return m.BaseAsset
}

// OutputAsset returns the asset an order on the given side receives.
func (m Market) OutputAsset(isBid bool) string {
	if isBid {
		return m.BaseAsset
	}
	return m.QuoteAsset
}

// ParseList parses "ID:BASE:QUOTE,ID:BASE:QUOTE" into active markets.
func ParseList(s string) ([]Market, error) {
	var out []Market
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid market definition %q (want ID:BASE:QUOTE)", item)
		}
		if parts[1] == parts[2] {
			return nil, fmt.Errorf("market %s: base and quote asset must differ", parts[0])
		}
		out = append(out, Market{ID: parts[0], BaseAsset: parts[1], QuoteAsset: parts[2], Status: Active})
	}
	return out, nil
}
