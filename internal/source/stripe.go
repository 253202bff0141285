package source

import (
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// stripeDecoder reads cursor-paginated charge lists: ?limit=&starting_after=
// with a has_more flag.
type stripeDecoder struct{}

type stripeChargeList struct {
	Data    []stripeCharge `json:"data"`
	HasMore bool           `json:"has_more"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	Created        int64             `json:"created"`
	Customer       string            `json:"customer"`
	ReceiptEmail   string            `json:"receipt_email"`
	BillingDetails stripeBilling     `json:"billing_details"`
	Metadata       map[string]string `json:"metadata"`
}

type stripeBilling struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (stripeDecoder) cursorKind() store.CursorKind { return store.CursorToken }

func (stripeDecoder) pageURL(base *url.URL, cursor store.Cursor, limit int) *url.URL {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor.Token != "" {
		q.Set("starting_after", cursor.Token)
	}
	return withPath(base, "/v1/charges", q)
}

func (stripeDecoder) decode(body []byte, cursor store.Cursor) ([]providerItem, store.Cursor, error) {
	var list stripeChargeList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, cursor, err
	}

	items := make([]providerItem, 0, len(list.Data))
	for _, ch := range list.Data {
		email := ch.BillingDetails.Email
		if email == "" {
			email = ch.ReceiptEmail
		}
		contact := store.ContactPayload{
			Email:    email,
			Phone:    ch.BillingDetails.Phone,
			FullName: ch.BillingDetails.Name,
			Transaction: &store.TransactionPayload{
				ID:          ch.ID,
				AmountCents: ch.Amount,
				Currency:    ch.Currency,
				Status:      stripeStatus(ch.Status),
				OccurredAt:  time.Unix(ch.Created, 0).UTC(),
			},
		}
		if len(ch.Metadata) > 0 {
			contact.Attributes = make(map[string]any, len(ch.Metadata))
			for k, v := range ch.Metadata {
				contact.Attributes[k] = v
			}
		}
		items = append(items, providerItem{ExternalID: ch.Customer, Contact: contact})
	}

	next := store.Cursor{Kind: store.CursorToken, Token: cursor.Token}
	if n := len(list.Data); n > 0 {
		next.Token = list.Data[n-1].ID
	}
	next.Exhausted = !list.HasMore || len(list.Data) == 0
	return items, next, nil
}

func stripeStatus(s string) string {
	switch s {
	case "succeeded":
		return store.SucceededTransaction
	case "pending":
		return "pending"
	default:
		return "failed"
	}
}
