package metacopier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gregtusar/accountdash/pkg/models"
)

// UpdateType tags the variant carried by an Update.
type UpdateType int

const (
	UpdateUnknown UpdateType = iota
	UpdateAccountInformation
	UpdateOpenPositions
	UpdateHistory
)

func (t UpdateType) String() string {
	switch t {
	case UpdateAccountInformation:
		return "UpdateAccountInformationDTO"
	case UpdateOpenPositions:
		return "UpdateOpenPositionsDTO"
	case UpdateHistory:
		return "UpdateHistoryDTO"
	default:
		return "Unknown"
	}
}

var (
	ErrPositionsMissing   = errors.New("positions array missing")
	ErrPositionsMalformed = errors.New("positions array malformed")
)

// AccountInformation holds the metrics of an account-information update.
// Nil fields were absent from the payload.
type AccountInformation struct {
	Balance          *float64
	Equity           *float64
	Margin           *float64
	FreeMargin       *float64
	MarginLevel      *float64
	UnrealizedProfit *float64
	Connected        *bool
}

// Update is the canonical form of a push message, whatever shape it arrived in.
type Update struct {
	Type UpdateType
	// Tag is the type indicator as received, empty when it was inferred.
	Tag       string
	AccountID string
	Info      AccountInformation
	Positions []models.Position
	// Err is set when the payload for Type is unusable, e.g. a positions
	// update without a positions array.
	Err error
}

// ParseUpdate normalizes one inbound frame body. Accepted shapes are
// {type, payload}, {type, data} and an untagged payload whose type is
// inferred from the fields present. An error is returned only when the body
// is not a JSON object.
func ParseUpdate(body []byte) (Update, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Update{}, fmt.Errorf("decode message: %w", err)
	}
	if envelope == nil {
		return Update{}, errors.New("decode message: not an object")
	}

	payload := envelope
	wrapped := false
	for _, key := range []string{"payload", "data"} {
		raw, ok := envelope[key]
		if !ok || isNull(raw) {
			continue
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil || inner == nil {
			return Update{}, fmt.Errorf("decode message: %s is not an object", key)
		}
		payload = inner
		wrapped = true
		break
	}

	var u Update
	if raw, ok := envelope["type"]; ok && !isNull(raw) {
		u.Tag, u.Type = parseTag(raw)
	} else {
		u.Type = inferType(payload)
	}

	u.AccountID = accountID(payload)
	if u.AccountID == "" && wrapped {
		u.AccountID = accountID(envelope)
	}

	switch u.Type {
	case UpdateAccountInformation:
		u.Info = parseAccountInformation(payload)
	case UpdateOpenPositions:
		u.Positions, u.Err = parsePositions(payload)
	}
	return u, nil
}

func parseTag(raw json.RawMessage) (string, UpdateType) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "dto") {
		case "updateaccountinformation", "accountinformation":
			return s, UpdateAccountInformation
		case "updateopenpositions", "openpositions":
			return s, UpdateOpenPositions
		case "updatehistory", "history":
			return s, UpdateHistory
		}
		return s, UpdateUnknown
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		tag := strconv.Itoa(n)
		switch n {
		case 0:
			return tag, UpdateAccountInformation
		case 1:
			return tag, UpdateOpenPositions
		case 2:
			return tag, UpdateHistory
		}
		return tag, UpdateUnknown
	}
	return string(raw), UpdateUnknown
}

var accountFields = []string{
	"balance", "equity", "margin", "usedMargin", "freeMargin",
	"marginLevel", "unrealizedProfit", "profit", "connected",
}

func inferType(payload map[string]json.RawMessage) UpdateType {
	if _, ok := payload["positions"]; ok {
		return UpdateOpenPositions
	}
	if _, ok := payload["history"]; ok {
		return UpdateHistory
	}
	for _, f := range accountFields {
		if _, ok := payload[f]; ok {
			return UpdateAccountInformation
		}
	}
	return UpdateUnknown
}

// accountID prefers accountId over id.
func accountID(m map[string]json.RawMessage) string {
	for _, key := range []string{"accountId", "id"} {
		if id := stringValue(m[key]); id != "" {
			return id
		}
	}
	return ""
}

func parseAccountInformation(m map[string]json.RawMessage) AccountInformation {
	return AccountInformation{
		Balance:          floatField(m, "balance"),
		Equity:           floatField(m, "equity"),
		Margin:           floatField(m, "margin", "usedMargin"),
		FreeMargin:       floatField(m, "freeMargin"),
		MarginLevel:      floatField(m, "marginLevel"),
		UnrealizedProfit: floatField(m, "unrealizedProfit", "profit"),
		Connected:        boolField(m, "connected"),
	}
}

func parsePositions(m map[string]json.RawMessage) ([]models.Position, error) {
	raw, ok := m["positions"]
	if !ok || isNull(raw) {
		return nil, ErrPositionsMissing
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPositionsMalformed, err)
	}
	positions := make([]models.Position, 0, len(entries))
	for i, e := range entries {
		if e == nil {
			return nil, fmt.Errorf("%w: entry %d is null", ErrPositionsMalformed, i)
		}
		positions = append(positions, NormalizePosition(e))
	}
	return positions, nil
}

// NormalizePosition maps a raw vendor position onto the view-model. The side
// is buy when the indicator contains "buy" (any case) or is the numeric 0.
// Missing numbers become zero and a missing current price falls back to the
// open price.
func NormalizePosition(m map[string]json.RawMessage) models.Position {
	p := models.Position{
		ID:     stringValue(m["id"]),
		Symbol: stringValue(m["symbol"]),
		Side:   sideOf(m),
	}
	if p.ID == "" {
		p.ID = stringValue(m["ticket"])
	}
	p.Volume = floatOr(m, 0, "volume")
	p.OpenPrice = floatOr(m, 0, "openPrice")
	p.CurrentPrice = floatOr(m, p.OpenPrice, "currentPrice")
	p.PnL = floatOr(m, 0, "profit", "pnl")
	return p
}

func sideOf(m map[string]json.RawMessage) models.Side {
	for _, key := range []string{"type", "dealType", "side"} {
		raw, ok := m[key]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if strings.Contains(strings.ToLower(s), "buy") {
				return models.SideBuy
			}
			return models.SideSell
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil && n == 0 {
			return models.SideBuy
		}
		return models.SideSell
	}
	return models.SideSell
}

func floatField(m map[string]json.RawMessage, keys ...string) *float64 {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok || isNull(raw) {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func floatOr(m map[string]json.RawMessage, def float64, keys ...string) float64 {
	if f := floatField(m, keys...); f != nil {
		return *f
	}
	return def
}

func boolField(m map[string]json.RawMessage, key string) *bool {
	raw, ok := m[key]
	if !ok || isNull(raw) {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

// stringValue accepts JSON strings and numbers.
func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
