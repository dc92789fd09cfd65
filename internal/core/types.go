package core

// OrderParams are the parameters of a prepared market buy. They are persisted
// verbatim on the snipe target and handed to the execution collaborator.
type OrderParams struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	QuoteOrderQty float64 `json:"quoteOrderQty"`
}

// Validate checks the minimal shape required of executable order parameters.
func (p OrderParams) Validate() bool {
	if p.Symbol == "" {
		return false
	}
	if p.Side != "BUY" && p.Side != "SELL" {
		return false
	}
	switch p.Type {
	case "MARKET":
		return p.QuoteOrderQty > 0
	case "LIMIT":
		return true
	default:
		return false
	}
}
