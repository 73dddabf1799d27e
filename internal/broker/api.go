package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Market division codes for screening queries.
const (
	MarketKOSPI  = "J"
	MarketKOSDAQ = "Q"
)

// OrderSide is the order direction.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType maps to the broker's ORD_DVSN codes.
type OrderType string

const (
	Limit  OrderType = "01"
	Market OrderType = "03"
)

// Holding is one row of the broker's authoritative position snapshot.
type Holding struct {
	Symbol     string
	Name       string
	Quantity   int
	AvgPrice   float64
	Price      float64
	ProfitRate float64 // percent
}

// BalanceSnapshot is the account view fetched at the start of every cycle.
type BalanceSnapshot struct {
	Holdings      []Holding
	CashAvailable float64 // orderable cash
	Deposits      float64
	TotalValue    float64
}

// Quote is a single instrument's current price view.
type Quote struct {
	Symbol     string
	Name       string
	Price      float64
	Open       float64
	ChangeRate float64 // percent vs previous close
	Volume     int64
}

// DailyCandle is one day of OHLCV, newest first in the slices the API returns.
type DailyCandle struct {
	Date   string // YYYYMMDD
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Candidate is a row from the ranked screening query. Ephemeral; discarded
// after the cycle.
type Candidate struct {
	Symbol      string
	Name        string
	Price       float64
	ChangeRate  float64
	Volume      int64
	VolumeRatio float64 // volume increase rate vs average
	Market      string
}

// OrderRequest describes one order submission.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity int
	Type     OrderType
	Price    float64 // limit price; ignored for market orders
}

// OrderResult is the broker's synchronous accept response.
type OrderResult struct {
	OrderID     string
	Message     string
	SubmittedAt time.Time
}

// kisEnvelope is the common response wrapper. rt_cd "0" means success.
type kisEnvelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// Session is the client context constructed once at startup and passed to
// every component that talks to the broker. It owns the typed operation
// surface; raw payload maps never leave this package.
type Session struct {
	cred   Credential
	client *Client
	cano   string // account number
	prdt   string // account product code
	log    zerolog.Logger
}

// NewSession splits the account identifier and binds the resilient client.
func NewSession(cred Credential, client *Client, log zerolog.Logger) (*Session, error) {
	cano, prdt, ok := strings.Cut(cred.AccountNo, "-")
	if !ok || cano == "" || prdt == "" {
		return nil, fmt.Errorf("account number %q not in CANO-PRDT form", cred.AccountNo)
	}
	return &Session{
		cred:   cred,
		client: client,
		cano:   cano,
		prdt:   prdt,
		log:    log.With().Str("component", "session").Logger(),
	}, nil
}

// trID picks the environment-specific transaction code.
func (s *Session) trID(paper, live string) string {
	if s.cred.Env == Live {
		return live
	}
	return paper
}

// Balance fetches the authoritative holdings and cash snapshot.
func (s *Session) Balance(ctx context.Context) (*BalanceSnapshot, error) {
	headers := map[string]string{
		"tr_id": s.trID("VTTC8434R", "TTTC8434R"),
	}
	query := url.Values{
		"CANO":                  {s.cano},
		"ACNT_PRDT_CD":          {s.prdt},
		"AFHR_FLPR_YN":          {"N"},
		"OFL_YN":                {""},
		"INQR_DVSN":             {"02"},
		"UNPR_DVSN":             {"01"},
		"FUND_STTL_ICLD_YN":     {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":             {"01"},
		"CTX_AREA_FK100":        {""},
		"CTX_AREA_NK100":        {""},
	}

	env, err := s.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-balance", headers, query, nil, "balance")
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol     string `json:"pdno"`
		Name       string `json:"prdt_name"`
		Quantity   string `json:"hldg_qty"`
		AvgPrice   string `json:"pchs_avg_pric"`
		Price      string `json:"prpr"`
		ProfitRate string `json:"evlu_pfls_rt"`
	}
	if len(env.Output1) > 0 {
		if err := json.Unmarshal(env.Output1, &rows); err != nil {
			return nil, fmt.Errorf("balance holdings parse: %w", err)
		}
	}

	var totals []struct {
		OrderableCash string `json:"ord_psbl_cash"`
		Deposits      string `json:"dnca_tot_amt"`
		TotalValue    string `json:"tot_evlu_amt"`
	}
	if len(env.Output2) > 0 {
		if err := json.Unmarshal(env.Output2, &totals); err != nil {
			return nil, fmt.Errorf("balance totals parse: %w", err)
		}
	}

	snap := &BalanceSnapshot{}
	for _, r := range rows {
		qty := atoi(r.Quantity)
		if qty <= 0 {
			continue
		}
		snap.Holdings = append(snap.Holdings, Holding{
			Symbol:     r.Symbol,
			Name:       r.Name,
			Quantity:   qty,
			AvgPrice:   atof(r.AvgPrice),
			Price:      atof(r.Price),
			ProfitRate: atof(r.ProfitRate),
		})
	}
	if len(totals) > 0 {
		snap.CashAvailable = atof(totals[0].OrderableCash)
		snap.Deposits = atof(totals[0].Deposits)
		snap.TotalValue = atof(totals[0].TotalValue)
	}
	return snap, nil
}

// Price fetches the current quote for one symbol.
func (s *Session) Price(ctx context.Context, symbol string) (*Quote, error) {
	headers := map[string]string{"tr_id": "FHKST01010100"}
	query := url.Values{
		"FID_COND_MRKT_DIV_CODE": {MarketKOSPI},
		"FID_INPUT_ISCD":         {symbol},
	}

	env, err := s.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price", headers, query, nil, "price")
	if err != nil {
		return nil, err
	}

	var out struct {
		Name       string `json:"prdt_name"`
		Price      string `json:"stck_prpr"`
		Open       string `json:"stck_oprc"`
		ChangeRate string `json:"prdy_ctrt"`
		Volume     string `json:"acml_vol"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("price parse: %w", err)
	}
	return &Quote{
		Symbol:     symbol,
		Name:       out.Name,
		Price:      atof(out.Price),
		Open:       atof(out.Open),
		ChangeRate: atof(out.ChangeRate),
		Volume:     atoi64(out.Volume),
	}, nil
}

// DailyPrices fetches up to count recent daily candles, newest first.
func (s *Session) DailyPrices(ctx context.Context, symbol string, count int) ([]DailyCandle, error) {
	headers := map[string]string{"tr_id": "FHKST03010100"}
	query := url.Values{
		"FID_COND_MRKT_DIV_CODE": {MarketKOSPI},
		"FID_INPUT_ISCD":         {symbol},
		"FID_INPUT_DATE_1":       {""},
		"FID_INPUT_DATE_2":       {""},
		"FID_PERIOD_DIV_CODE":    {"D"},
		"FID_ORG_ADJ_PRC":        {"1"},
	}

	env, err := s.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", headers, query, nil, "daily_price")
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	}
	if err := json.Unmarshal(env.Output2, &rows); err != nil {
		return nil, fmt.Errorf("daily price parse: %w", err)
	}

	candles := make([]DailyCandle, 0, len(rows))
	for _, r := range rows {
		if r.Date == "" {
			continue
		}
		candles = append(candles, DailyCandle{
			Date:   r.Date,
			Open:   atof(r.Open),
			High:   atof(r.High),
			Low:    atof(r.Low),
			Close:  atof(r.Close),
			Volume: atoi64(r.Volume),
		})
		if count > 0 && len(candles) == count {
			break
		}
	}
	return candles, nil
}

// VolumeRank fetches the ranked volume-leader screening list for one market.
func (s *Session) VolumeRank(ctx context.Context, market string) ([]Candidate, error) {
	headers := map[string]string{"tr_id": "FHPST01710000"}
	query := url.Values{
		"FID_COND_MRKT_DIV_CODE":  {market},
		"FID_COND_SCR_DIV_CODE":   {"20171"},
		"FID_INPUT_ISCD":          {"0000"},
		"FID_DIV_CLS_CODE":        {"0"},
		"FID_BLNG_CLS_CODE":       {"0"},
		"FID_TRGT_CLS_CODE":       {"111111111"},
		"FID_TRGT_EXLS_CLS_CODE":  {"000000"},
		"FID_INPUT_PRICE_1":       {""},
		"FID_INPUT_PRICE_2":       {""},
		"FID_VOL_CNT":             {""},
		"FID_INPUT_DATE_1":        {""},
	}

	env, err := s.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/volume-rank", headers, query, nil, "volume_rank")
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol      string `json:"mksc_shrn_iscd"`
		Name        string `json:"hts_kor_isnm"`
		Price       string `json:"stck_prpr"`
		ChangeRate  string `json:"prdy_ctrt"`
		Volume      string `json:"acml_vol"`
		VolumeRatio string `json:"vol_inrt"`
	}
	if err := json.Unmarshal(env.Output, &rows); err != nil {
		return nil, fmt.Errorf("volume rank parse: %w", err)
	}

	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		if r.Symbol == "" {
			continue
		}
		out = append(out, Candidate{
			Symbol:      r.Symbol,
			Name:        r.Name,
			Price:       atof(r.Price),
			ChangeRate:  atof(r.ChangeRate),
			Volume:      atoi64(r.Volume),
			VolumeRatio: atof(r.VolumeRatio),
			Market:      market,
		})
	}
	return out, nil
}

// SubmitOrder posts a cash order. The body is hashed first; the broker
// requires the digest in a hashkey header on order submissions. A non-zero
// rt_cd here is a domain rejection, not a transport failure.
func (s *Session) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %d", req.Quantity)
	}

	price := "0"
	if req.Type == Limit {
		price = strconv.Itoa(int(req.Price))
	}
	payload := map[string]string{
		"CANO":         s.cano,
		"ACNT_PRDT_CD": s.prdt,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     string(req.Type),
		"ORD_QTY":      strconv.Itoa(req.Quantity),
		"ORD_UNPR":     price,
	}
	body, _ := json.Marshal(payload)

	hash, err := s.hashkey(ctx, body)
	if err != nil {
		return nil, err
	}

	trid := s.trID("VTTC0802U", "TTTC0802U") // buy
	if req.Side == Sell {
		trid = s.trID("VTTC0801U", "TTTC0801U")
	}
	headers := map[string]string{
		"tr_id":    trid,
		"custtype": "P",
		"hashkey":  hash,
	}

	raw, err := s.client.Send(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", headers, nil, body, "order")
	if err != nil {
		return nil, err
	}

	var env kisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("order response parse: %w", err)
	}
	if env.RtCd != "0" {
		return nil, &OrderRejectedError{Code: env.MsgCd, Message: env.Msg1}
	}

	var out struct {
		OrderID string `json:"ODNO"`
	}
	if len(env.Output) > 0 {
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return nil, fmt.Errorf("order output parse: %w", err)
		}
	}
	return &OrderResult{OrderID: out.OrderID, Message: env.Msg1, SubmittedAt: time.Now()}, nil
}

// hashkey exchanges an order body for the broker's request digest.
func (s *Session) hashkey(ctx context.Context, body []byte) (string, error) {
	raw, err := s.client.Send(ctx, http.MethodPost, "/uapi/hashkey", nil, nil, body, "hashkey")
	if err != nil {
		return "", err
	}
	var out struct {
		Hash string `json:"HASH"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("hashkey parse: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("hashkey response empty")
	}
	return out.Hash, nil
}

// call sends a query-style request and unwraps the rt_cd envelope.
func (s *Session) call(ctx context.Context, method, path string, headers map[string]string, query url.Values, body []byte, endpoint string) (*kisEnvelope, error) {
	raw, err := s.client.Send(ctx, method, path, headers, query, body, endpoint)
	if err != nil {
		return nil, err
	}
	var env kisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s parse: %w", endpoint, err)
	}
	if env.RtCd != "0" {
		return nil, fmt.Errorf("%s query failed (%s): %s", endpoint, env.MsgCd, env.Msg1)
	}
	return &env, nil
}

// Broker payloads carry every number as a string; blanks mean zero.
func atof(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func atoi(s string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(s))
	return v
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}
