package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

func renderAccounts(w io.Writer, accounts []models.Account, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(accounts)
	case "table", "":
		renderTable(w, accounts)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(w io.Writer, accounts []models.Account) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Account", "Broker", "Server", "Status", "Leverage", "Balance", "Equity", "Open P&L", "Margin Lvl", "Positions"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, a := range accounts {
		table.Append([]string{
			a.Name,
			a.Broker,
			a.Server,
			string(a.Status),
			a.Leverage,
			money(a.Balance, a.Currency),
			money(a.Equity, a.Currency),
			money(a.OpenPnL, a.Currency),
			strconv.FormatFloat(a.MarginLevel, 'f', 2, 64) + "%",
			strconv.Itoa(len(a.Positions)),
		})
	}

	s := models.Summarize(accounts)
	table.SetFooter([]string{
		fmt.Sprintf("%d accounts", s.Accounts),
		"",
		"",
		fmt.Sprintf("%d connected", s.Connected),
		"",
		strconv.FormatFloat(s.TotalBalance, 'f', 2, 64),
		strconv.FormatFloat(s.TotalEquity, 'f', 2, 64),
		strconv.FormatFloat(s.TotalOpenPnL, 'f', 2, 64),
		"",
		strconv.Itoa(s.Positions),
	})

	table.Render()
}

func money(v float64, currency string) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + " " + currency
}
