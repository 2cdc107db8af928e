package metacopier

import (
	"encoding/json"
	"testing"

	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdateShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"payload envelope", `{"type":"UpdateAccountInformationDTO","payload":{"accountId":"acc-1","balance":1200.5,"equity":1190}}`},
		{"data envelope", `{"type":"UpdateAccountInformationDTO","data":{"accountId":"acc-1","balance":1200.5,"equity":1190}}`},
		{"flat tagged", `{"type":"UpdateAccountInformationDTO","accountId":"acc-1","balance":1200.5,"equity":1190}`},
		{"untagged", `{"accountId":"acc-1","balance":1200.5,"equity":1190}`},
		{"numeric tag", `{"type":0,"payload":{"accountId":"acc-1","balance":1200.5,"equity":1190}}`},
		{"short tag", `{"type":"accountInformation","payload":{"accountId":"acc-1","balance":1200.5,"equity":1190}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUpdate([]byte(tt.body))
			require.NoError(t, err)

			assert.Equal(t, UpdateAccountInformation, u.Type)
			assert.Equal(t, "acc-1", u.AccountID)
			require.NotNil(t, u.Info.Balance)
			assert.Equal(t, 1200.5, *u.Info.Balance)
			require.NotNil(t, u.Info.Equity)
			assert.Equal(t, 1190.0, *u.Info.Equity)
			assert.Nil(t, u.Info.Margin)
			assert.Nil(t, u.Info.Connected)
			assert.NoError(t, u.Err)
		})
	}
}

func TestParseUpdateNumericTags(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"type":1,"payload":{"accountId":"a","positions":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateOpenPositions, u.Type)
	assert.Equal(t, "1", u.Tag)
	assert.Empty(t, u.Positions)
	assert.NoError(t, u.Err)

	u, err = ParseUpdate([]byte(`{"type":2,"payload":{"accountId":"a"}}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateHistory, u.Type)

	u, err = ParseUpdate([]byte(`{"type":7,"payload":{"accountId":"a"}}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateUnknown, u.Type)
	assert.Equal(t, "7", u.Tag)
}

func TestParseUpdateUnknownTag(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"type":"SomethingElseDTO","payload":{"accountId":"a","balance":1}}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateUnknown, u.Type)
	assert.Equal(t, "SomethingElseDTO", u.Tag)
}

func TestParseUpdatePrefersAccountID(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"type":"UpdateAccountInformationDTO","payload":{"id":"other","accountId":"acc-1","balance":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "acc-1", u.AccountID)

	u, err = ParseUpdate([]byte(`{"type":"UpdateAccountInformationDTO","payload":{"id":"acc-2","balance":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "acc-2", u.AccountID)

	u, err = ParseUpdate([]byte(`{"type":"UpdateAccountInformationDTO","accountId":"acc-3","payload":{"balance":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "acc-3", u.AccountID)
}

func TestParseUpdateAliases(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"type":"UpdateAccountInformationDTO","payload":{"accountId":"a","usedMargin":"250.5","profit":-12,"connected":false}}`))
	require.NoError(t, err)

	require.NotNil(t, u.Info.Margin)
	assert.Equal(t, 250.5, *u.Info.Margin)
	require.NotNil(t, u.Info.UnrealizedProfit)
	assert.Equal(t, -12.0, *u.Info.UnrealizedProfit)
	require.NotNil(t, u.Info.Connected)
	assert.False(t, *u.Info.Connected)
}

func TestParseUpdatePositions(t *testing.T) {
	body := `{"type":"UpdateOpenPositionsDTO","payload":{"accountId":"acc-1","positions":[
		{"id":"p1","symbol":"EURUSD","type":"POSITION_TYPE_BUY","volume":0.5,"openPrice":1.1,"currentPrice":1.2,"profit":50},
		{"ticket":42,"symbol":"XAUUSD","dealType":1,"volume":1,"openPrice":2000}
	]}}`

	u, err := ParseUpdate([]byte(body))
	require.NoError(t, err)
	require.NoError(t, u.Err)
	require.Len(t, u.Positions, 2)

	assert.Equal(t, models.Position{
		ID: "p1", Symbol: "EURUSD", Side: models.SideBuy,
		Volume: 0.5, OpenPrice: 1.1, CurrentPrice: 1.2, PnL: 50,
	}, u.Positions[0])

	assert.Equal(t, models.Position{
		ID: "42", Symbol: "XAUUSD", Side: models.SideSell,
		Volume: 1, OpenPrice: 2000, CurrentPrice: 2000,
	}, u.Positions[1])
}

func TestParseUpdatePositionsInvalid(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"type":"UpdateOpenPositionsDTO","payload":{"accountId":"a"}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, u.Err, ErrPositionsMissing)

	u, err = ParseUpdate([]byte(`{"type":"UpdateOpenPositionsDTO","payload":{"accountId":"a","positions":{"p":1}}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, u.Err, ErrPositionsMalformed)

	u, err = ParseUpdate([]byte(`{"type":"UpdateOpenPositionsDTO","payload":{"accountId":"a","positions":[null]}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, u.Err, ErrPositionsMalformed)
}

func TestParseUpdateRejectsNonObjects(t *testing.T) {
	for _, body := range []string{`[]`, `"hello"`, `null`, `not json`, `{"type":"x","payload":[1,2]}`} {
		_, err := ParseUpdate([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestSideOf(t *testing.T) {
	tests := []struct {
		raw  string
		want models.Side
	}{
		{`{"type":"buy"}`, models.SideBuy},
		{`{"type":"BUY_LIMIT"}`, models.SideBuy},
		{`{"type":"sell"}`, models.SideSell},
		{`{"type":0}`, models.SideBuy},
		{`{"type":1}`, models.SideSell},
		{`{"side":"Buy"}`, models.SideBuy},
		{`{}`, models.SideSell},
	}

	for _, tt := range tests {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &m))
		assert.Equal(t, tt.want, sideOf(m), tt.raw)
	}
}
