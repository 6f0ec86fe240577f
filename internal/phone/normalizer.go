// Package phone normalizes customer phone numbers into E.164 form.
// Gabonese numbers get full pattern validation; foreign numbers are accepted
// as-is when they look plausible.
package phone

import (
	"fmt"
	"regexp"
	"strings"
)

type Format string

const (
	FormatLocal                Format = "local"
	FormatInternational        Format = "international"
	FormatInternationalForeign Format = "international_foreign"
)

type Result struct {
	IsValid    bool   `json:"is_valid"`
	Normalized string `json:"normalized_phone"`
	Format     Format `json:"format,omitempty"`
	Country    string `json:"country,omitempty"`
	Reason     string `json:"error,omitempty"`
}

const gabonCode = "241"

var (
	localPattern       = regexp.MustCompile(`^0[67]\d{7}$`)
	gabonPlusPattern   = regexp.MustCompile(`^\+241[67]\d{7}$`)
	gabonNoPlusPattern = regexp.MustCompile(`^241[67]\d{7}$`)
	foreignPattern     = regexp.MustCompile(`^\+(\d{1,3})(\d+)$`)
)

// Country names for codes we see in practice. Unknown codes still validate;
// the country is just left empty.
var countryNames = map[string]string{
	"1":   "USA/Canada",
	"33":  "France",
	"32":  "Belgique",
	"34":  "Espagne",
	"44":  "Royaume-Uni",
	"49":  "Allemagne",
	"86":  "Chine",
	"91":  "Inde",
	"212": "Maroc",
	"221": "Sénégal",
	"225": "Côte d'Ivoire",
	"237": "Cameroun",
	"241": "Gabon",
	"242": "Congo",
}

var cleaner = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "\t", "")

// Normalize converts a raw phone string into canonical form. It is pure and
// idempotent: feeding a normalized number back in yields the same value.
func Normalize(raw string) Result {
	cleaned := cleaner.Replace(strings.TrimSpace(raw))

	if cleaned == "" {
		return invalid(raw, "numéro de téléphone vide")
	}

	switch {
	case localPattern.MatchString(cleaned):
		// 0XXXXXXXX -> +241 plus the 8 national digits.
		return Result{
			IsValid:    true,
			Normalized: "+" + gabonCode + cleaned[1:],
			Format:     FormatLocal,
			Country:    countryNames[gabonCode],
		}
	case gabonPlusPattern.MatchString(cleaned):
		return Result{
			IsValid:    true,
			Normalized: cleaned,
			Format:     FormatInternational,
			Country:    countryNames[gabonCode],
		}
	case gabonNoPlusPattern.MatchString(cleaned):
		return Result{
			IsValid:    true,
			Normalized: "+" + cleaned,
			Format:     FormatInternational,
			Country:    countryNames[gabonCode],
		}
	}

	if m := foreignPattern.FindStringSubmatch(cleaned); m != nil {
		code, rest := m[1], m[2]
		if name, foreignCode := matchForeignCode(code + rest); foreignCode != "" {
			national := strings.TrimPrefix(code+rest, foreignCode)
			if len(national) < 7 {
				return invalid(raw, fmt.Sprintf("numéro étranger trop court: %s", cleaned))
			}
			return Result{
				IsValid:    true,
				Normalized: cleaned,
				Format:     FormatInternationalForeign,
				Country:    name,
			}
		}
		// Unknown country code: accept when enough digits remain for a
		// plausible national number after a 1-3 digit code.
		if len(code+rest) >= 8 && !strings.HasPrefix(code+rest, gabonCode) {
			return Result{
				IsValid:    true,
				Normalized: cleaned,
				Format:     FormatInternationalForeign,
			}
		}
	}

	return invalid(raw, fmt.Sprintf("format non reconnu: %s (attendu 0XXXXXXXX ou +241XXXXXXXX)", cleaned))
}

// matchForeignCode finds the longest known non-Gabon country code prefixing
// digits. Codes are 1-3 digits; longest match wins so "2416..." is not
// mistaken for code "2".
func matchForeignCode(digits string) (name, code string) {
	for l := 3; l >= 1; l-- {
		if len(digits) < l {
			continue
		}
		prefix := digits[:l]
		if prefix == gabonCode {
			return "", ""
		}
		if n, ok := countryNames[prefix]; ok {
			return n, prefix
		}
	}
	return "", ""
}

func invalid(raw, reason string) Result {
	return Result{
		IsValid:    false,
		Normalized: raw,
		Reason:     reason,
	}
}
