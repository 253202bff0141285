package identity

import (
	"database/sql"
	"sort"
	"strings"

	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// Fields are the normalised inbound values the merge policy applies to a
// client. Empty strings and nil pointers mean "not provided".
type Fields struct {
	Source          string
	ExternalID      string
	Email           string
	Phone           string
	FullName        string
	Tags            []string
	OptIn           map[string]*bool
	LifecycleStage  string
	TotalSpendCents *int64
	Attributes      map[string]any
}

// stageRank orders lifecycle stages. Stages not listed only fill an empty value.
var stageRank = map[string]int{
	"lead":     1,
	"prospect": 2,
	"trial":    3,
	"customer": 4,
	"vip":      5,
}

// ApplyPolicy merges in into c field by field and reports whether anything
// changed. A known value is never replaced by nothing or by a weaker value.
func ApplyPolicy(c *store.Client, in Fields) bool {
	changed := false

	changed = fillIfNull(&c.Email, in.Email) || changed
	changed = fillIfNull(&c.Phone, in.Phone) || changed
	changed = fillIfNull(&c.FullName, in.FullName) || changed
	changed = fillExternalID(c, in.Source, in.ExternalID) || changed
	changed = fillAttributes(c, in.Attributes) || changed
	changed = unionTags(c, in.Tags) || changed
	changed = monotoneMax(&c.TotalSpendCents, in.TotalSpendCents) || changed
	changed = advanceStage(&c.LifecycleStage, in.LifecycleStage) || changed

	for channel, v := range in.OptIn {
		if field := optInField(c, channel); field != nil {
			changed = mergeOptIn(field, v) || changed
		}
	}
	return changed
}

func fillIfNull(field *sql.NullString, v string) bool {
	if field.Valid || v == "" {
		return false
	}
	*field = sql.NullString{String: v, Valid: true}
	return true
}

func fillExternalID(c *store.Client, source, extID string) bool {
	if source == "" || extID == "" {
		return false
	}
	if c.ExternalIDs == nil {
		c.ExternalIDs = make(map[string]string)
	}
	if _, ok := c.ExternalIDs[source]; ok {
		return false
	}
	c.ExternalIDs[source] = extID
	return true
}

func fillAttributes(c *store.Client, attrs map[string]any) bool {
	changed := false
	for k, v := range attrs {
		if v == nil {
			continue
		}
		if c.Attributes == nil {
			c.Attributes = make(map[string]any)
		}
		if existing, ok := c.Attributes[k]; ok && existing != nil {
			continue
		}
		c.Attributes[k] = v
		changed = true
	}
	return changed
}

func unionTags(c *store.Client, tags []string) bool {
	if len(tags) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(c.Tags)+len(tags))
	for _, t := range c.Tags {
		set[t] = struct{}{}
	}
	before := len(set)
	for _, t := range tags {
		set[t] = struct{}{}
	}
	if len(set) == before {
		return false
	}
	merged := make([]string, 0, len(set))
	for t := range set {
		merged = append(merged, t)
	}
	sort.Strings(merged)
	c.Tags = merged
	return true
}

func monotoneMax(field *int64, v *int64) bool {
	if v == nil || *v <= *field {
		return false
	}
	*field = *v
	return true
}

func advanceStage(field *sql.NullString, stage string) bool {
	stage = strings.ToLower(strings.TrimSpace(stage))
	if stage == "" {
		return false
	}
	if !field.Valid {
		*field = sql.NullString{String: stage, Valid: true}
		return true
	}
	inRank, ok := stageRank[stage]
	if !ok || inRank <= stageRank[field.String] {
		return false
	}
	field.String = stage
	return true
}

func optInField(c *store.Client, channel string) *sql.NullBool {
	switch strings.ToLower(channel) {
	case store.ChannelEmail:
		return &c.OptInEmail
	case store.ChannelSMS:
		return &c.OptInSMS
	case store.ChannelWhatsApp:
		return &c.OptInWhatsApp
	}
	return nil
}

// optInStrictness orders the tri-state: unknown < opted in < opted out.
func optInStrictness(v sql.NullBool) int {
	switch {
	case !v.Valid:
		return 0
	case v.Bool:
		return 1
	default:
		return 2
	}
}

// mergeOptIn applies an inbound opt-in. Unknown never overwrites; a known
// value overwrites unknown or an equal or looser existing state.
func mergeOptIn(field *sql.NullBool, v *bool) bool {
	if v == nil {
		return false
	}
	inbound := sql.NullBool{Bool: *v, Valid: true}
	if optInStrictness(inbound) < optInStrictness(*field) {
		return false
	}
	if *field == inbound {
		return false
	}
	*field = inbound
	return true
}
