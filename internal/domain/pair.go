package domain

// Token is a tradable mint on the venue.
type Token struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Mint     string `json:"mint" yaml:"mint"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

// Pair is the traded token against its quote (USDC).
type Pair struct {
	Base  Token `json:"base"`
	Quote Token `json:"quote"`
}

func (p Pair) String() string {
	return p.Base.Symbol + "-" + p.Quote.Symbol
}
