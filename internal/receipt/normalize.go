package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

	// datePattern matches a whole year, month, day value separated by -, ., /
	// or Korean units, optionally followed by a weekday and a time of day.
	datePattern = regexp.MustCompile(`^(\d{4}|\d{2})\s*[-./년]\s*(\d{1,2})\s*[-./월]\s*(\d{1,2})\s*일?(?:\s*\([^)]*\))?(?:[\sT]\S.*)?$`)

	// compactDatePattern matches YYYYMMDD.
	compactDatePattern = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)
)

// unreadableMarkers are strings older prompt revisions asked the model to emit
// for fields it could not interpret.
var unreadableMarkers = map[string]bool{
	Unreadable: true,
	"해석 불가":   true,
	"재검토 필요":  true,
	"오류":      true,
	"unreadable": true,
	"n/a":        true,
}

// categoryAliases maps labels the model sometimes answers in English.
var categoryAliases = map[string]Category{
	"food":     CategoryFood,
	"grooming": CategoryGrooming,
	"beauty":   CategoryGrooming,
	"medical":  CategoryMedical,
	"health":   CategoryMedical,
	"leisure":  CategoryLeisure,
	"supplies": CategorySupplies,
	"supply":   CategorySupplies,
	"other":    CategoryOther,
	"etc":      CategoryOther,
}

// Normalize parses the raw model response into a Record. Fields that are
// missing or unusable are replaced by sentinels; only a response without a
// parseable JSON object fails, with ErrMalformedExtraction.
func Normalize(raw string) (*Record, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrMalformedExtraction)
	}
	fields, err := decodeObject(text)
	if err != nil {
		// Trailing commas are the one repair attempted, and only on input
		// that is not valid JSON as is.
		repaired, rerr := decodeObject(trailingCommaPattern.ReplaceAllString(text, "$1"))
		if rerr != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedExtraction, err)
		}
		fields = repaired
	}

	record := &Record{
		Date:        normalizeDate(fields["date"]),
		Location:    textField(fields["location"]),
		Items:       []LineItem{},
		TotalAmount: intField(fields["total_amount"]),
	}

	if items, ok := fields["items"].([]any); ok {
		for _, entry := range items {
			obj, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			record.Items = append(record.Items, normalizeItem(obj))
		}
	}

	return record, nil
}

// decodeObject decodes exactly one JSON object, keeping numbers as json.Number.
func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if fields == nil {
		return nil, errors.New("response is null")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	return fields, nil
}

func normalizeItem(obj map[string]any) LineItem {
	return LineItem{
		Name:     textField(obj["name"]),
		Price:    intField(obj["price"]),
		Count:    intField(obj["count"]),
		Category: normalizeCategory(obj["category"]),
	}
}

// textField returns the trimmed string value or the sentinel.
func textField(v any) string {
	s, ok := v.(string)
	if !ok {
		return Unreadable
	}
	s = strings.TrimSpace(s)
	if s == "" || isUnreadableMarker(s) {
		return Unreadable
	}
	return s
}

func isUnreadableMarker(s string) bool {
	return unreadableMarkers[strings.ToLower(strings.TrimSpace(s))]
}

// intField returns a non-negative integer, or UnreadableAmount for anything
// fractional, non-numeric or below the sentinel.
func intField(v any) int {
	switch n := v.(type) {
	case json.Number:
		return parseAmount(string(n))
	case string:
		s := strings.TrimSpace(n)
		s = strings.TrimSuffix(s, "원")
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSpace(s)
		if s == "" {
			return UnreadableAmount
		}
		return parseAmount(s)
	default:
		return UnreadableAmount
	}
}

func parseAmount(s string) int {
	if i, err := strconv.ParseInt(s, 10, 0); err == nil {
		if i < UnreadableAmount {
			return UnreadableAmount
		}
		return int(i)
	}

	// Accept integral floats such as 2000.0 or 1e3.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return UnreadableAmount
	}
	if f != math.Trunc(f) || f < UnreadableAmount || f > 1<<53 {
		return UnreadableAmount
	}
	return int(f)
}

// normalizeDate converts common receipt date forms to YYYY-MM-DD.
func normalizeDate(v any) string {
	s := textField(v)
	if s == Unreadable {
		return Unreadable
	}

	var year, month, day string
	if m := datePattern.FindStringSubmatch(s); m != nil {
		year, month, day = m[1], m[2], m[3]
	} else if m := compactDatePattern.FindStringSubmatch(s); m != nil {
		year, month, day = m[1], m[2], m[3]
	} else {
		return Unreadable
	}

	y, _ := strconv.Atoi(year)
	if len(year) == 2 {
		y += 2000
	}
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)

	date := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if date.Year() != y || int(date.Month()) != mo || date.Day() != d {
		return Unreadable
	}
	return date.Format("2006-01-02")
}

func normalizeCategory(v any) Category {
	if v == nil {
		return CategoryUnreadable
	}
	s, ok := v.(string)
	if !ok {
		return CategoryOther
	}
	s = strings.TrimSpace(s)
	if s == "" || isUnreadableMarker(s) {
		return CategoryUnreadable
	}
	if c := Category(s); c.Valid() {
		return c
	}
	if c, ok := categoryAliases[strings.ToLower(s)]; ok {
		return c
	}
	return CategoryOther
}
