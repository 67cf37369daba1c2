package extract

import (
	"regexp"
	"strings"
	"time"
)

// Fields is what field extraction recovered from an invoice document. Any
// member may be empty; downstream treats empty as "not stated".
type Fields struct {
	VendorName   string
	Amount       string // digits and optional decimal point, no separators
	Currency     string // ISO code: USD, EUR, GBP, CAD
	DueDate      string // ISO date yyyy-mm-dd
	PaymentTerms string
}

var currencyBySymbol = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

const codePat = `USD|EUR|GBP|CAD`
const numPat = `[0-9][0-9,]*(?:\.[0-9]{1,2})?`

// Amount patterns, strongest first: a labeled total, then any symbol-prefixed
// number, then a number with a trailing currency code.
var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:grand\s+total|invoice\s+total|total\s+due|amount\s+due|balance\s+due|total|amount)\b\s*:?\s*(` + codePat + `)?\s*([$€£])?\s*(` + numPat + `)\s*(` + codePat + `)?`),
	regexp.MustCompile(`([$€£])\s?(` + numPat + `)`),
	regexp.MustCompile(`(?i)\b(` + numPat + `)\s*(` + codePat + `)\b`),
}

// parseAmount returns the normalized amount and currency, or empty strings.
// Among labeled matches, one carrying a currency signal wins over a bare
// number ("Total items: 3" must not beat "Total: $110.00").
func parseAmount(text string) (string, string) {
	var bare string
	for _, m := range amountPatterns[0].FindAllStringSubmatch(text, 8) {
		amount := strings.ReplaceAll(m[3], ",", "")
		switch {
		case m[1] != "":
			return amount, strings.ToUpper(m[1])
		case m[4] != "":
			return amount, strings.ToUpper(m[4])
		case m[2] != "":
			return amount, currencyBySymbol[m[2]]
		}
		if bare == "" && strings.Contains(amount, ".") {
			bare = amount
		}
	}
	if m := amountPatterns[1].FindStringSubmatch(text); m != nil {
		return strings.ReplaceAll(m[2], ",", ""), currencyBySymbol[m[1]]
	}
	if m := amountPatterns[2].FindStringSubmatch(text); m != nil {
		return strings.ReplaceAll(m[1], ",", ""), strings.ToUpper(m[2])
	}
	return bare, ""
}

// dueLabelRe finds a "due" style label and captures the text that should
// contain the date.
var dueLabelRe = regexp.MustCompile(`(?i)\b(?:due\s+date|payment\s+due|date\s+due|due)\b\s*(?:by|on|:)?\s*([A-Za-z0-9 ,./-]{4,40})`)

var (
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashDateRe   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	monthFirstRe  = regexp.MustCompile(`(?i)\b([A-Za-z]{3,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?\s*,?\s+(\d{4})\b`)
	dayFirstRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+([A-Za-z]{3,9})\.?\s*,?\s+(\d{4})\b`)
	ordinalSuffix = regexp.MustCompile(`(?i)(\d{1,2})(st|nd|rd|th)\b`)
)

// parseDueDate scans the text after a due label and normalizes the first
// recognizable date to ISO form. Slash dates are read month-first; a first
// component over 12 flips them to day-first.
func parseDueDate(text string) string {
	m := dueLabelRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	tail := m[1]

	if d := isoDateRe.FindStringSubmatch(tail); d != nil {
		if t, err := time.Parse("2006-01-02", d[0]); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if d := slashDateRe.FindStringSubmatch(tail); d != nil {
		// Month-first preferred; day-first only parses when the first
		// component cannot be a month.
		for _, layout := range []string{"1/2/2006", "2/1/2006"} {
			if t, err := time.Parse(layout, d[0]); err == nil {
				return t.Format("2006-01-02")
			}
		}
	}
	if d := monthFirstRe.FindString(tail); d != "" {
		clean := ordinalSuffix.ReplaceAllString(d, "$1")
		for _, layout := range []string{"January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006"} {
			if t, err := time.Parse(layout, clean); err == nil {
				return t.Format("2006-01-02")
			}
		}
	}
	if d := dayFirstRe.FindString(tail); d != "" {
		clean := ordinalSuffix.ReplaceAllString(d, "$1")
		for _, layout := range []string{"2 January 2006", "2 January, 2006", "2 Jan 2006"} {
			if t, err := time.Parse(layout, clean); err == nil {
				return t.Format("2006-01-02")
			}
		}
	}
	return ""
}

var (
	netTermsRe     = regexp.MustCompile(`(?i)\bnet\s*-?\s*(\d{1,3})\b`)
	onReceiptRe    = regexp.MustCompile(`(?i)\bdue\s+(?:up)?on\s+receipt\b`)
	termsLabelRe   = regexp.MustCompile(`(?i)\bpayment\s+terms?\s*:?\s*([^\n]{2,40})`)
	termsTrailerRe = regexp.MustCompile(`\s*[.;].*$`)
)

// parseTerms normalizes the two common term shapes and otherwise keeps a
// labeled terms line verbatim.
func parseTerms(text string) string {
	if m := netTermsRe.FindStringSubmatch(text); m != nil {
		return "NET " + m[1]
	}
	if onReceiptRe.MatchString(text) {
		return "due on receipt"
	}
	if m := termsLabelRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(termsTrailerRe.ReplaceAllString(m[1], ""))
	}
	return ""
}

var vendorLabelRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bremit\s+to\s*:?\s*([^\n]{2,60})`),
	regexp.MustCompile(`(?i)\bvendor\s*:\s*([^\n]{2,60})`),
	regexp.MustCompile(`(?i)\bfrom\s*:\s*([^\n]{2,60})`),
}

// headerNoise matches top-of-document lines that are boilerplate rather
// than a company name.
var headerNoise = regexp.MustCompile(`(?i)^(?:tax\s+)?(?:invoice|statement|bill|receipt|page\b|date\b|no\.?\b|number\b)`)

// VendorCandidates collects likely issuer names: labeled lines first, then
// the first few header lines that are not boilerplate. Order reflects
// decreasing confidence. Capped at four candidates.
func VendorCandidates(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		s = strings.Trim(s, ",;:")
		if len(s) < 2 || len(s) > 60 || seen[strings.ToLower(s)] {
			return
		}
		if !hasLetters(s) {
			return
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}

	for _, re := range vendorLabelRes {
		if m := re.FindStringSubmatch(text); m != nil {
			add(m[1])
		}
	}

	lines := strings.Split(text, "\n")
	inspected := 0
	for _, line := range lines {
		if len(out) >= 4 {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		inspected++
		if inspected > 6 {
			break
		}
		if headerNoise.MatchString(line) {
			continue
		}
		if amountPatterns[1].MatchString(line) || isoDateRe.MatchString(line) {
			continue
		}
		add(line)
	}
	return out
}

func hasLetters(s string) bool {
	n := 0
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			n++
			if n >= 2 {
				return true
			}
		}
	}
	return false
}

// ParseFields runs every field table over the document text.
func ParseFields(text string) Fields {
	var f Fields
	f.Amount, f.Currency = parseAmount(text)
	f.DueDate = parseDueDate(text)
	f.PaymentTerms = parseTerms(text)
	if cands := VendorCandidates(text); len(cands) > 0 {
		f.VendorName = cands[0]
	}
	return f
}
