package broker

import (
	"strconv"
	"strings"
	"time"

	"github.com/seoulquant/kisbot/internal/models"
)

// ============ Wire Structures ============

// The broker wraps every JSON response in an envelope carrying a return
// code (rt_cd), message code and human-readable message. "0" and "1" both
// denote success; msg1 is preserved for classification and logging.

type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (e *envelope) env() *envelope { return e }

func (e *envelope) ok() bool {
	return e.RtCd == "0" || e.RtCd == "1"
}

// enveloped is implemented by every decoded response so the request loop
// can classify broker-level results uniformly.
type enveloped interface {
	env() *envelope
}

// tokenResponse is the /oauth2/tokenP success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	// Error shape shares the same body.
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// hashkeyResponse is the /uapi/hashkey body.
type hashkeyResponse struct {
	Hash string `json:"HASH"`
}

// quoteResponse wraps the current-price inquiry output. All numeric fields
// arrive as strings.
type quoteResponse struct {
	envelope
	Output struct {
		Price      string `json:"stck_prpr"`      // current price
		Change     string `json:"prdy_vrss"`      // change vs previous day
		ChangeRate string `json:"prdy_ctrt"`      // change rate (%)
		Volume     string `json:"acml_vol"`       // accumulated volume
		Open       string `json:"stck_oprc"`      // open
		High       string `json:"stck_hgpr"`      // high
		Low        string `json:"stck_lwpr"`      // low
		PrevClose  string `json:"stck_sdpr"`      // base (previous close)
		VolumeTurn string `json:"vol_tnrt"`       // volume turnover rate
		MarketName string `json:"rprs_mrkt_kor_name"`
	} `json:"output"`
}

// dailyCandleResponse wraps the daily OHLCV inquiry output.
type dailyCandleResponse struct {
	envelope
	Output []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	} `json:"output"`
}

// minuteCandleResponse wraps the intraday minute-chart inquiry output.
type minuteCandleResponse struct {
	envelope
	Output2 []struct {
		Date   string `json:"stck_bsop_date"`
		Hour   string `json:"stck_cntg_hour"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_prpr"`
		Volume string `json:"cntg_vol"`
	} `json:"output2"`
}

// rankingResponse wraps the fluctuation (top gainers) ranking output.
type rankingResponse struct {
	envelope
	Output []struct {
		Symbol      string `json:"stck_shrn_iscd"` // short issue code
		Name        string `json:"hts_kor_isnm"`
		Price       string `json:"stck_prpr"`
		ChangeRate  string `json:"prdy_ctrt"`
		Volume      string `json:"acml_vol"`
		VolumeRatio string `json:"prdy_vol_rate"` // volume vs previous day
	} `json:"output"`
}

// balanceResponse wraps the account balance inquiry. output1 lists
// holdings, output2 carries the account-level aggregates.
type balanceResponse struct {
	envelope
	Output1 []struct {
		Symbol        string `json:"pdno"`
		Name          string `json:"prdt_name"`
		Quantity      string `json:"hldg_qty"`
		Sellable      string `json:"ord_psbl_qty"`
		AvgPrice      string `json:"pchs_avg_pric"`
		CurrentPrice  string `json:"prpr"`
		EvalAmount    string `json:"evlu_amt"`
		UnrealizedPnL string `json:"evlu_pfls_amt"`
		PnLRate       string `json:"evlu_pfls_rt"`
	} `json:"output1"`
	Output2 []struct {
		CashBalance     string `json:"dnca_tot_amt"`      // total deposits
		AvailableCash   string `json:"prvs_rcdl_excc_amt"` // D+2 settled cash
		TotalEvaluation string `json:"tot_evlu_amt"`
		RealizedPnL     string `json:"rlzt_pfls_amt_smtl"`
		EvalPnLSum      string `json:"evlu_pfls_smtl_amt"`
	} `json:"output2"`
}

// orderResponse wraps a cash order acknowledgment.
type orderResponse struct {
	envelope
	Output struct {
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
		ExchCode  string `json:"KRX_FWDG_ORD_ORGNO"`
	} `json:"output"`
}

// ============ Typed Results ============

// Quote is the current market state of one symbol.
type Quote struct {
	Symbol     string
	Price      float64
	Change     float64
	ChangeRate float64
	Volume     int64
	Open       float64
	High       float64
	Low        float64
	PrevClose  float64
}

// Candle is one OHLCV bar, daily or minute resolution.
type Candle struct {
	Date   string
	Time   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// RankedStock is one entry of the top-gainers ranking feed.
type RankedStock struct {
	Symbol      string
	Name        string
	Price       float64
	ChangeRate  float64
	Volume      int64
	VolumeRatio float64
}

// ============ Conversions ============

// parseF parses a broker numeric string, tolerating blanks and commas.
func parseF(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseI(s string) int64 {
	return int64(parseF(s))
}

func (r *quoteResponse) toQuote(symbol string) *Quote {
	o := &r.Output
	return &Quote{
		Symbol:     symbol,
		Price:      parseF(o.Price),
		Change:     parseF(o.Change),
		ChangeRate: parseF(o.ChangeRate),
		Volume:     parseI(o.Volume),
		Open:       parseF(o.Open),
		High:       parseF(o.High),
		Low:        parseF(o.Low),
		PrevClose:  parseF(o.PrevClose),
	}
}

func (r *balanceResponse) toSnapshot(now time.Time) *models.AccountSnapshot {
	snap := &models.AccountSnapshot{TakenAt: now}

	for _, h := range r.Output1 {
		qty := parseI(h.Quantity)
		if qty <= 0 {
			continue
		}
		pos := models.Position{
			Symbol:            h.Symbol,
			Name:              h.Name,
			Quantity:          qty,
			SellableQuantity:  parseI(h.Sellable),
			AvgPrice:          parseF(h.AvgPrice),
			CurrentPrice:      parseF(h.CurrentPrice),
			EvalAmount:        parseF(h.EvalAmount),
			UnrealizedPnL:     parseF(h.UnrealizedPnL),
			UnrealizedPnLRate: parseF(h.PnLRate),
		}
		snap.Positions = append(snap.Positions, pos)
		if pos.SellableQuantity < pos.Quantity {
			snap.PendingOrders++
		}
	}

	if len(r.Output2) > 0 {
		agg := r.Output2[0]
		snap.CashBalance = parseF(agg.CashBalance)
		snap.AvailableCash = parseF(agg.AvailableCash)
		snap.TotalEvaluation = parseF(agg.TotalEvaluation)
		snap.RealizedPnL = parseF(agg.RealizedPnL)
		if snap.AvailableCash > snap.CashBalance {
			snap.AvailableCash = snap.CashBalance
		}
		cost := snap.TotalEvaluation - parseF(agg.EvalPnLSum)
		if cost > 0 {
			snap.PnLRate = snap.RealizedPnL / cost * 100
		}
	}
	return snap
}
