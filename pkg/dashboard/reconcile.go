package dashboard

import (
	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of applying one update.
type Result struct {
	Accounts []models.Account
	// AccountID is the account that was patched, empty when nothing changed.
	AccountID string
	Changed   bool
	// Refresh asks the owner for a full snapshot re-fetch.
	Refresh bool
}

// Engine merges push updates into a snapshot-derived account list.
type Engine struct {
	logger *logrus.Logger
}

func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{logger: logger}
}

// Apply returns the list with u applied. The input slice is left untouched;
// the patched account is replaced by a modified copy. Malformed updates and
// unknown accounts are logged and leave the list as it was.
func (e *Engine) Apply(accounts []models.Account, u metacopier.Update) Result {
	unchanged := Result{Accounts: accounts}
	log := e.logger.WithFields(logrus.Fields{
		"type":       u.Type.String(),
		"account_id": u.AccountID,
	})

	switch u.Type {
	case metacopier.UpdateHistory:
		log.Debug("History update received, requesting snapshot refresh")
		unchanged.Refresh = true
		return unchanged

	case metacopier.UpdateAccountInformation, metacopier.UpdateOpenPositions:
		if u.Err != nil {
			log.WithError(u.Err).Warn("Dropping malformed update")
			return unchanged
		}

		idx := indexOf(accounts, u.AccountID)
		if idx < 0 {
			log.Warn("Dropping update for unknown account")
			return unchanged
		}

		patched := accounts[idx]
		if u.Type == metacopier.UpdateAccountInformation {
			applyAccountInformation(&patched, u.Info)
		} else {
			patched.Positions = append([]models.Position{}, u.Positions...)
		}

		out := make([]models.Account, len(accounts))
		copy(out, accounts)
		out[idx] = patched
		return Result{Accounts: out, AccountID: patched.ID, Changed: true}

	default:
		log.WithField("tag", u.Tag).Warn("Dropping update with unknown type")
		return unchanged
	}
}

func applyAccountInformation(a *models.Account, info metacopier.AccountInformation) {
	if info.Balance != nil {
		a.Balance = *info.Balance
	}
	if info.Equity != nil {
		a.Equity = *info.Equity
	}
	if info.Margin != nil {
		a.Margin = *info.Margin
	}
	if info.FreeMargin != nil {
		a.FreeMargin = *info.FreeMargin
	}
	if info.MarginLevel != nil {
		a.MarginLevel = *info.MarginLevel
	}
	if info.UnrealizedProfit != nil {
		a.OpenPnL = *info.UnrealizedProfit
	}

	if info.Connected != nil && !*info.Connected {
		a.Status = models.AccountStatusDisconnected
	} else {
		a.Status = models.AccountStatusConnected
	}
}

func indexOf(accounts []models.Account, id string) int {
	if id == "" {
		return -1
	}
	for i := range accounts {
		if accounts[i].ID == id {
			return i
		}
	}
	return -1
}
