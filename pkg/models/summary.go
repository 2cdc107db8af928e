package models

import (
	"github.com/shopspring/decimal"
)

type Summary struct {
	TotalBalance float64 `json:"totalBalance" yaml:"total_balance"`
	TotalEquity  float64 `json:"totalEquity" yaml:"total_equity"`
	TotalOpenPnL float64 `json:"totalOpenPnL" yaml:"total_open_pnl"`
	Accounts     int     `json:"accounts" yaml:"accounts"`
	Connected    int     `json:"connected" yaml:"connected"`
	Positions    int     `json:"positions" yaml:"positions"`
}

// Summarize totals balance, equity and open P/L across accounts. Totals are
// accumulated as decimals and rounded to cents.
func Summarize(accounts []Account) Summary {
	balance := decimal.Zero
	equity := decimal.Zero
	pnl := decimal.Zero

	s := Summary{Accounts: len(accounts)}
	for _, a := range accounts {
		balance = balance.Add(decimal.NewFromFloat(a.Balance))
		equity = equity.Add(decimal.NewFromFloat(a.Equity))
		pnl = pnl.Add(decimal.NewFromFloat(a.OpenPnL))
		if a.Status == AccountStatusConnected {
			s.Connected++
		}
		s.Positions += len(a.Positions)
	}

	s.TotalBalance = balance.Round(2).InexactFloat64()
	s.TotalEquity = equity.Round(2).InexactFloat64()
	s.TotalOpenPnL = pnl.Round(2).InexactFloat64()
	return s
}
