package entity

import "strings"

// Asset is one side of a trading pair. Precision is the number of decimal
// digits the exchange accepts for amounts of this asset.
type Asset struct {
	Symbol    string
	Precision int32
}

type Market struct {
	Base  Asset
	Quote Asset
}

// Symbol returns the exchange pair symbol, e.g. "tkoidr" for TKO/IDR.
func (m Market) Symbol() string {
	return strings.ToLower(m.Base.Symbol + m.Quote.Symbol)
}
