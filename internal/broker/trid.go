package broker

import (
	"fmt"

	"github.com/seoulquant/kisbot/internal/models"
)

// Operation identifies one typed broker call for TR-ID selection.
type Operation string

const (
	// OpQuote is the current-price inquiry.
	OpQuote Operation = "quote"
	// OpDailyCandles is the daily OHLCV inquiry.
	OpDailyCandles Operation = "daily_candles"
	// OpMinuteCandles is the intraday minute-chart inquiry.
	OpMinuteCandles Operation = "minute_candles"
	// OpRanking is the top-gainers fluctuation ranking. Live endpoint only.
	OpRanking Operation = "ranking"
	// OpBalance is the account balance inquiry.
	OpBalance Operation = "balance"
	// OpBuyOrder is a cash buy order.
	OpBuyOrder Operation = "buy_order"
	// OpSellOrder is a cash sell order.
	OpSellOrder Operation = "sell_order"
)

// trTable maps (operation, account kind) to the broker's transaction ID
// header. Market-data TR-IDs are shared between environments; account and
// order TR-IDs differ (V-prefixed codes hit the mock environment).
var trTable = map[Operation]map[models.AccountKind]string{
	OpQuote: {
		models.KindLive:  "FHKST01010100",
		models.KindPaper: "FHKST01010100",
	},
	OpDailyCandles: {
		models.KindLive:  "FHKST01010400",
		models.KindPaper: "FHKST01010400",
	},
	OpMinuteCandles: {
		models.KindLive:  "FHKST03010200",
		models.KindPaper: "FHKST03010200",
	},
	OpRanking: {
		// The mock environment does not expose the ranking feed; paper
		// sessions borrow a read-only live client instead.
		models.KindLive: "FHPST01700000",
	},
	OpBalance: {
		models.KindLive:  "TTTC8434R",
		models.KindPaper: "VTTC8434R",
	},
	OpBuyOrder: {
		models.KindLive:  "TTTC0802U",
		models.KindPaper: "VTTC0802U",
	},
	OpSellOrder: {
		models.KindLive:  "TTTC0801U",
		models.KindPaper: "VTTC0801U",
	},
}

// trID returns the transaction ID for op under kind.
func trID(op Operation, kind models.AccountKind) (string, error) {
	byKind, ok := trTable[op]
	if !ok {
		return "", fmt.Errorf("no TR-ID table entry for operation %q", op)
	}
	id, ok := byKind[kind]
	if !ok {
		return "", fmt.Errorf("operation %q is not available for %s accounts", op, kind)
	}
	return id, nil
}

// isOrderOp reports whether op mutates account state. Order operations get
// fewer retry attempts and longer transport backoff.
func isOrderOp(op Operation) bool {
	return op == OpBuyOrder || op == OpSellOrder
}
