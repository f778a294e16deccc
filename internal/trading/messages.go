package trading

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/notify"
	"github.com/alanyoungcy/karbit/internal/settlement"
)

func header(title string, cfg domain.StrategyConfig, asset string) notify.Message {
	return notify.NewMessage(title).
		With("user", cfg.Notification.Username).
		With("home", cfg.HomeExchange.String()).
		With("foreign", cfg.ForeignExchange.String()).
		With("asset", asset)
}

func guardMessage(cfg domain.StrategyConfig, asset string, reason Reason, detail ...notify.Field) notify.Message {
	m := header("Entry rejected", cfg, asset).With("reason", string(reason))
	m.Fields = append(m.Fields, detail...)
	return m
}

func staleMessage(cfg domain.StrategyConfig, asset, leg string, r0, r1 decimal.Decimal) notify.Message {
	drift := r1.Sub(r0).Abs().Div(r0).Mul(decimal.NewFromInt(100))
	return header(leg+" cancelled", cfg, asset).
		With("reason", string(ReasonStale)).
		With("signal rate", r0.String()).
		With("recheck rate", r1.String()).
		With("drift", drift.StringFixed(2)+"%")
}

func entryMessage(cfg domain.StrategyConfig, pos domain.Position, planned decimal.Decimal) notify.Message {
	title := "Position opened"
	if pos.Status == domain.PositionPyramiding {
		title = "Position pyramided"
	}
	return header(title, cfg, pos.Asset).
		With("signal rate", planned.String()).
		With("entry rate", pos.EntryRate.String()).
		With("home funds", pos.HomeFunds.StringFixed(0)+" KRW").
		With("foreign funds", pos.ForeignFunds.StringFixed(2)+" USDT").
		With("volume", pos.ForeignVolume.String()).
		With("usdt", pos.ReferencePrice.String())
}

func exitMessage(cfg domain.StrategyConfig, asset string, st settlement.Settlement, ref decimal.Decimal) notify.Message {
	return header("Position closed", cfg, asset).
		With("entry rate", st.Lot.WeightedRate.String()).
		With("exit rate", st.ExitRate.String()).
		With("entries", fmt.Sprint(st.Lot.Entries)).
		With("usdt", ref.String()).
		With("fees", st.Fees.StringFixed(0)+" KRW").
		With("profit", st.Profit.StringFixed(2)+" KRW").
		With("profit rate", st.ProfitRate.StringFixed(2)+"%")
}

func unhedgedMessage(cfg domain.StrategyConfig, asset, homeOrderID string, volume decimal.Decimal) notify.Message {
	return header("Hedge failed", cfg, asset).
		With("reason", "foreign order did not execute").
		With("home order", homeOrderID).
		With("home volume", volume.String()).
		With("action", "operator notified")
}

func failureMessage(cfg domain.StrategyConfig, asset, leg string, reason Reason) notify.Message {
	return header(leg+" failed", cfg, asset).With("reason", string(reason))
}
