package source

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// paypalDecoder reads page-numbered transaction reports: ?page=&page_size=
// with total_pages in the response. Pages are 1-based.
type paypalDecoder struct{}

type paypalReport struct {
	Details    []paypalDetail `json:"transaction_details"`
	Page       int            `json:"page"`
	TotalPages int            `json:"total_pages"`
}

type paypalDetail struct {
	TransactionInfo struct {
		ID     string `json:"transaction_id"`
		Amount struct {
			Currency string `json:"currency_code"`
			Value    string `json:"value"`
		} `json:"transaction_amount"`
		Status    string `json:"transaction_status"`
		Initiated string `json:"transaction_initiation_date"`
	} `json:"transaction_info"`
	PayerInfo struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email_address"`
		Phone     struct {
			Number string `json:"national_number"`
			Code   string `json:"country_code"`
		} `json:"phone_number"`
		Name struct {
			FullName string `json:"alternate_full_name"`
		} `json:"payer_name"`
	} `json:"payer_info"`
}

func (paypalDecoder) cursorKind() store.CursorKind { return store.CursorOffset }

func (paypalDecoder) pageURL(base *url.URL, cursor store.Cursor, limit int) *url.URL {
	page := cursor.Offset
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(limit))
	q.Set("fields", "transaction_info,payer_info")
	return withPath(base, "/v1/reporting/transactions", q)
}

func (paypalDecoder) decode(body []byte, cursor store.Cursor) ([]providerItem, store.Cursor, error) {
	var report paypalReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, cursor, err
	}

	items := make([]providerItem, 0, len(report.Details))
	for _, d := range report.Details {
		phone := d.PayerInfo.Phone.Number
		if phone != "" && d.PayerInfo.Phone.Code != "" {
			phone = "+" + d.PayerInfo.Phone.Code + phone
		}

		items = append(items, providerItem{
			ExternalID: d.PayerInfo.AccountID,
			Contact: store.ContactPayload{
				Email:       d.PayerInfo.Email,
				Phone:       phone,
				FullName:    d.PayerInfo.Name.FullName,
				Transaction: paypalTransaction(d),
			},
		})
	}

	current := cursor.Offset
	if current < 1 {
		current = 1
	}
	next := store.Cursor{Kind: store.CursorOffset, Offset: current + 1}
	next.Exhausted = current >= report.TotalPages || len(report.Details) == 0
	return items, next, nil
}

// paypalTransaction converts the transaction part of a detail. A malformed
// amount drops the transaction but keeps the payer, and an unparseable date
// is left zero so the stored time is not rewritten on replay.
func paypalTransaction(d paypalDetail) *store.TransactionPayload {
	info := d.TransactionInfo
	cents, err := decimalToCents(info.Amount.Value)
	if err != nil {
		logger.Log.Warn("Skipping PayPal transaction with invalid amount",
			zap.String("transaction_id", info.ID),
			zap.Error(err),
		)
		return nil
	}

	occurred, err := parsePaypalTime(info.Initiated)
	if err != nil {
		logger.Log.Warn("PayPal transaction has no usable date",
			zap.String("transaction_id", info.ID),
			zap.Error(err),
		)
	}

	return &store.TransactionPayload{
		ID:          info.ID,
		AmountCents: cents,
		Currency:    info.Amount.Currency,
		Status:      paypalStatus(info.Status),
		OccurredAt:  occurred,
	}
}

var paypalTimeLayouts = []string{"2006-01-02T15:04:05-0700", time.RFC3339}

func parsePaypalTime(v string) (time.Time, error) {
	var err error
	for _, layout := range paypalTimeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

// paypalStatus maps PayPal's one-letter transaction codes.
func paypalStatus(code string) string {
	switch code {
	case "S":
		return store.SucceededTransaction
	case "P":
		return "pending"
	case "V":
		return "refunded"
	default:
		return "failed"
	}
}

func decimalToCents(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", v, err)
	}
	return int64(math.Round(f * 100)), nil
}
