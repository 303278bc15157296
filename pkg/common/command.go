package common

// Network commands.
const (
	BBAMessage = "bba_message"
	CoinShare  = "coin_share"
)
