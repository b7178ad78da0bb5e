// Package transform maps extracted records onto target column layouts,
// coercing types and remapping enumerations and foreign keys.
package transform

import (
	"database/sql"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
)

// Enumeration fallbacks for values outside the dictionaries.
const (
	FallbackStatus      = "new"
	FallbackInquiryType = "other"
)

var statusMap = map[string]string{
	"new":           "new",
	"pending":       "new",
	"open":          "new",
	"contacted":     "contacted",
	"in_progress":   "contacted",
	"responded":     "contacted",
	"qualified":     "qualified",
	"discovery":     "qualified",
	"proposal_sent": "proposal",
	"proposal":      "proposal",
	"negotiating":   "negotiation",
	"negotiation":   "negotiation",
	"closed_won":    "won",
	"won":           "won",
	"converted":     "won",
	"closed_lost":   "lost",
	"lost":          "lost",
	"declined":      "lost",
}

var inquiryTypes = map[string]bool{
	"consultation": true,
	"speaking":     true,
	"partnership":  true,
	"training":     true,
	"other":        true,
}

var folder = cases.Fold()

func enumKey(s string) string {
	s = folder.String(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// RemapStatus maps a source pipeline stage onto the target enumeration.
// Unknown or missing stages become FallbackStatus.
func RemapStatus(s sql.NullString) string {
	if v, ok := statusMap[enumKey(s.String)]; ok && s.Valid {
		return v
	}
	return FallbackStatus
}

// RemapInquiryType normalises an inquiry type, defaulting to FallbackInquiryType.
func RemapInquiryType(s sql.NullString) string {
	k := enumKey(s.String)
	if s.Valid && inquiryTypes[k] {
		return k
	}
	return FallbackInquiryType
}

// ClampFraction converts a ratio to a fraction in [0,1] rounded to four
// places. Values written with a percent sign are divided by 100; bare
// values above 1.0 are assumed to be percentages as well, so 1.01 reads as
// 1.01% rather than 101%.
func ClampFraction(n model.Number) any {
	if !n.Valid {
		return nil
	}
	v := n.Value
	if n.Percent || v > 1.0 {
		v /= 100
	}
	return schema.Round(math.Max(0, math.Min(1, v)), 4)
}

// ClampScore rounds a priority score into [0,100]. NULL scores are 0.
func ClampScore(n model.Number) int64 {
	return int64(math.Max(0, math.Min(100, math.Round(n.Float()))))
}

// Money rounds an amount to cents. NULL and negative amounts become 0.
func Money(n model.Number) float64 {
	return schema.Round(math.Max(0, n.Float()), 2)
}

// Count converts a counter to a non-negative integer. NULL counters are 0.
func Count(n model.Number) int64 {
	return int64(math.Max(0, math.Round(n.Float())))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp accepts the timestamp spellings found across source
// generations, including unix seconds, and returns UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.New("transform: empty timestamp")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("transform: unrecognised timestamp %q", s)
}

// ParseDate parses a timestamp and truncates it to its UTC calendar day.
func ParseDate(s string) (time.Time, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// EncodeHashtags turns a JSON array or a comma/space separated list into a
// canonical JSON array of tags without the leading '#'.
func EncodeHashtags(s sql.NullString) (any, error) {
	raw := strings.TrimSpace(s.String)
	if !s.Valid || raw == "" {
		return nil, nil
	}

	var tags []string
	if strings.HasPrefix(raw, "[") {
		var items []any
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, eris.Wrap(err, "transform: hashtags")
		}
		for _, it := range items {
			switch v := it.(type) {
			case string:
				tags = append(tags, v)
			case nil:
			default:
				tags = append(tags, toString(v))
			}
		}
	} else {
		tags = strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	}

	clean := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
		if tag != "" {
			clean = append(clean, norm.NFC.String(tag))
		}
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return nil, eris.Wrap(err, "transform: hashtags")
	}
	return string(b), nil
}

func toString(v any) string {
	b, _ := json.Marshal(v)
	return strings.Trim(string(b), `"`)
}

// EncodeMetadata keeps a JSON object (re-encoded canonically) and wraps any
// other non-empty text as {"notes": text}.
func EncodeMetadata(s sql.NullString) any {
	raw := strings.TrimSpace(s.String)
	if !s.Valid || raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj != nil {
		b, err := json.Marshal(obj)
		if err == nil {
			return string(b)
		}
	}
	b, _ := json.Marshal(map[string]string{"notes": norm.NFC.String(raw)})
	return string(b)
}

// CleanText trims and NFC-normalises text. Blank text is NULL.
func CleanText(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	v := strings.TrimSpace(s.String)
	if v == "" {
		return nil
	}
	return norm.NFC.String(v)
}
