package models

type AccountStatus string

const (
	AccountStatusConnected    AccountStatus = "Connected"
	AccountStatusDisconnected AccountStatus = "Disconnected"
	AccountStatusPending      AccountStatus = "Pending"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Account is the view-model of one trading account as shown on the dashboard.
type Account struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Broker        string        `json:"broker" yaml:"broker"`
	Server        string        `json:"server" yaml:"server"`
	AccountNumber string        `json:"accountNumber" yaml:"account_number"`
	Currency      string        `json:"currency" yaml:"currency"`
	Balance       float64       `json:"balance" yaml:"balance"`
	Equity        float64       `json:"equity" yaml:"equity"`
	Margin        float64       `json:"margin" yaml:"margin"`
	FreeMargin    float64       `json:"freeMargin" yaml:"free_margin"`
	MarginLevel   float64       `json:"marginLevel" yaml:"margin_level"`
	OpenPnL       float64       `json:"openPnL" yaml:"open_pnl"`
	DailyPnL      float64       `json:"dailyPnL" yaml:"daily_pnl"`
	Status        AccountStatus `json:"status" yaml:"status"`
	Leverage      string        `json:"leverage" yaml:"leverage"`
	Positions     []Position    `json:"positions" yaml:"positions"`
}

type Position struct {
	ID           string  `json:"id" yaml:"id"`
	Symbol       string  `json:"symbol" yaml:"symbol"`
	Side         Side    `json:"type" yaml:"side"`
	Volume       float64 `json:"volume" yaml:"volume"`
	OpenPrice    float64 `json:"openPrice" yaml:"open_price"`
	CurrentPrice float64 `json:"currentPrice" yaml:"current_price"`
	PnL          float64 `json:"pnl" yaml:"pnl"`
}

// Clone returns a deep copy so callers can hand the account out without
// sharing the positions backing array.
func (a Account) Clone() Account {
	c := a
	if a.Positions != nil {
		c.Positions = make([]Position, len(a.Positions))
		copy(c.Positions, a.Positions)
	}
	return c
}

// CloneAccounts deep-copies a list of accounts.
func CloneAccounts(accounts []Account) []Account {
	out := make([]Account, len(accounts))
	for i, a := range accounts {
		out[i] = a.Clone()
	}
	return out
}

// MarginLevel returns equity as a percentage of used margin, or 0 when no
// margin is in use.
func MarginLevel(equity, margin float64) float64 {
	if margin <= 0 {
		return 0
	}
	return equity / margin * 100
}
