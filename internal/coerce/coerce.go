// Package coerce validates and normalizes raw model output against a field's
// declared type. Every function here is pure and never panics.
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/fieldfill/internal/model"
)

// Placeholder is the filler models emit for "no value".
const Placeholder = "-"

// ItemSeparator joins multiValue items.
const ItemSeparator = ", "

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Normalize returns the canonical value of raw for field f, or nil when raw
// cannot be represented. Strings and float64 are the only non-nil results.
func Normalize(raw any, f *model.FieldSpec) any {
	if raw == nil || f == nil {
		return nil
	}
	switch f.Type {
	case model.FieldText:
		return normalizeText(raw, f.PatternRegex)
	case model.FieldMultiValue:
		return normalizeMulti(raw)
	case model.FieldNumber:
		n, ok := toFloat(raw)
		if !ok {
			return nil
		}
		return n
	case model.FieldDate:
		return normalizeDate(raw)
	case model.FieldEnum:
		return normalizeEnum(raw, f.Options)
	}
	return nil
}

// Conforms reports whether raw has the structural shape the field's type
// demands. Null always conforms. Unlike Normalize it does not convert between
// shapes: a numeric string is not a number.
func Conforms(raw any, f *model.FieldSpec) bool {
	if raw == nil {
		return true
	}
	switch f.Type {
	case model.FieldText, model.FieldEnum:
		_, ok := raw.(string)
		return ok
	case model.FieldMultiValue:
		switch v := raw.(type) {
		case string, []string:
			return true
		case []any:
			for _, item := range v {
				if _, ok := item.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	case model.FieldNumber:
		switch v := raw.(type) {
		case float64:
			return !math.IsNaN(v) && !math.IsInf(v, 0)
		case float32, int, int64, int32:
			return true
		case json.Number:
			_, err := v.Float64()
			return err == nil
		}
		return false
	case model.FieldDate:
		s, ok := raw.(string)
		return ok && datePattern.MatchString(strings.TrimSpace(s))
	}
	return false
}

// Serialize renders a normalized value in the wire shape a model would emit:
// multiValue becomes a list of items, everything else passes through.
func Serialize(v any, f *model.FieldSpec) any {
	if v == nil {
		return nil
	}
	if f.Type == model.FieldMultiValue {
		if s, ok := v.(string); ok {
			items := SplitItems(s)
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = item
			}
			return out
		}
	}
	return v
}

// Format renders a normalized value as prompt text. Null renders as "null".
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// Equal compares two field values, treating numeric kinds as equivalent and
// blank strings as null.
func Equal(a, b any) bool {
	if model.IsEmpty(a) || model.IsEmpty(b) {
		return model.IsEmpty(a) && model.IsEmpty(b)
	}
	if fa, ok := numeric(a); ok {
		fb, ok := numeric(b)
		return ok && fa == fb
	}
	sa, ok := a.(string)
	if !ok {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	sb, ok := b.(string)
	return ok && strings.TrimSpace(sa) == strings.TrimSpace(sb)
}

// Grounded reports whether snippet occurs in transcript, ignoring case.
func Grounded(snippet, transcript string) bool {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return false
	}
	// Casers are stateful and must not be shared across goroutines.
	fold := cases.Fold()
	return strings.Contains(fold.String(transcript), fold.String(snippet))
}

// SplitItems splits a delimited multiValue string into trimmed, non-empty,
// non-placeholder items. Commas, semicolons and newlines delimit.
func SplitItems(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == Placeholder {
			continue
		}
		out = append(out, p)
	}
	return out
}

func normalizeText(raw any, re *regexp.Regexp) any {
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case float64, float32, int, int64, json.Number, bool:
		s = Format(v)
	default:
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" || s == Placeholder {
		return nil
	}
	if re != nil && !re.MatchString(s) {
		return nil
	}
	return s
}

func normalizeMulti(raw any) any {
	var items []string
	switch v := raw.(type) {
	case string:
		items = SplitItems(v)
	case []string:
		items = SplitItems(strings.Join(v, ","))
	case []any:
		strs := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				strs = append(strs, s)
			}
		}
		items = SplitItems(strings.Join(strs, ","))
	default:
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	return strings.Join(items, ItemSeparator)
}

func normalizeDate(raw any) any {
	switch v := raw.(type) {
	case time.Time:
		return v.Format(time.DateOnly)
	case string:
		s := strings.TrimSpace(v)
		if !datePattern.MatchString(s) {
			return nil
		}
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return nil
		}
		return s
	}
	return nil
}

// normalizeEnum returns the declared option matching raw case-insensitively.
func normalizeEnum(raw any, options []string) any {
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	upper := cases.Upper(language.Und)
	s = upper.String(strings.TrimSpace(s))
	if s == "" || s == Placeholder {
		return nil
	}
	for _, opt := range options {
		if upper.String(strings.TrimSpace(opt)) == s {
			return opt
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	n, ok := numeric(v)
	if ok {
		return n, true
	}
	s, isStr := v.(string)
	if !isStr {
		return 0, false
	}
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func numeric(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
