package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// CSVSource is the staging source tag of uploaded batches.
const CSVSource = "csv"

// headerAliases maps accepted header spellings to payload fields. Headers
// not listed become attributes.
var headerAliases = map[string]string{
	"id":              "external_id",
	"external_id":     "external_id",
	"client_id":       "external_id",
	"email":           "email",
	"e-mail":          "email",
	"email_address":   "email",
	"correo":          "email",
	"phone":           "phone",
	"phone_number":    "phone",
	"mobile":          "phone",
	"telefono":        "phone",
	"whatsapp":        "phone",
	"name":            "full_name",
	"full_name":       "full_name",
	"nombre":          "full_name",
	"tags":            "tags",
	"lifecycle_stage": "lifecycle_stage",
	"stage":           "lifecycle_stage",
	"total_spend":     "total_spend",
	"opt_in_email":    "opt_in_email",
	"opt_in_sms":      "opt_in_sms",
	"opt_in_whatsapp": "opt_in_whatsapp",
	"email_opt_in":    "opt_in_email",
	"sms_opt_in":      "opt_in_sms",
	"whatsapp_opt_in": "opt_in_whatsapp",
}

// StageCSV stages every data row of a CSV upload under importID. A row
// without an external id falls back to its normalised email, then phone.
func (s *Stager) StageCSV(ctx context.Context, r io.Reader, importID string) (*Summary, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv: empty upload")
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := headerAliases[key]; ok {
			columns[i] = field
		} else {
			columns[i] = "attr:" + key
		}
	}

	summary := &Summary{}
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		summary.Received++
		if err != nil {
			summary.reject("line %d: %v", line, err)
			continue
		}

		extID, payload, err := s.parseRow(columns, row)
		if err != nil {
			summary.reject("line %d: %v", line, err)
			continue
		}
		if _, err := s.StageContact(ctx, CSVSource, "csv", extID, importID, payload); err != nil {
			return summary, err
		}
		summary.Staged++
	}
	return summary, nil
}

func (s *Stager) parseRow(columns, row []string) (string, store.ContactPayload, error) {
	var (
		payload store.ContactPayload
		extID   string
	)
	for i, value := range row {
		if i >= len(columns) {
			break
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch field := columns[i]; field {
		case "external_id":
			extID = value
		case "email":
			payload.Email = value
		case "phone":
			payload.Phone = value
		case "full_name":
			payload.FullName = value
		case "lifecycle_stage":
			payload.LifecycleStage = value
		case "tags":
			payload.Tags = splitTags(value)
		case "total_spend":
			cents, err := parseCents(value)
			if err != nil {
				return "", payload, err
			}
			payload.TotalSpendCents = &cents
		case "opt_in_email", "opt_in_sms", "opt_in_whatsapp":
			if v := parseTriState(value); v != nil {
				if payload.OptIn == nil {
					payload.OptIn = make(map[string]*bool)
				}
				payload.OptIn[strings.TrimPrefix(field, "opt_in_")] = v
			}
		default:
			if payload.Attributes == nil {
				payload.Attributes = make(map[string]any)
			}
			payload.Attributes[strings.TrimPrefix(field, "attr:")] = value
		}
	}

	if extID == "" {
		extID = s.normalizer.Email(payload.Email)
	}
	if extID == "" {
		extID = s.normalizer.Phone(payload.Phone)
	}
	if extID == "" {
		return "", payload, errors.New("row has no id, valid email or valid phone")
	}
	return extID, payload, nil
}

func splitTags(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == ',' || r == '|' })
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func parseTriState(v string) *bool {
	var b bool
	switch strings.ToLower(v) {
	case "true", "yes", "y", "1", "si", "sí":
		b = true
	case "false", "no", "n", "0":
		b = false
	default:
		return nil
	}
	return &b
}

func parseCents(v string) (int64, error) {
	v = strings.TrimPrefix(strings.ReplaceAll(v, ",", ""), "$")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid total_spend %q", v)
	}
	return int64(math.Round(f * 100)), nil
}
