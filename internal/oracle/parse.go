package oracle

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/shopspring/decimal"
)

// Action is the closed set of recommendations the engine acts on.
// The coordinator reads Approve as ACCEPT and Negotiate as COUNTER.
type Action string

const (
	Approve   Action = "APPROVE"
	Negotiate Action = "NEGOTIATE"
	Reject    Action = "REJECT"
)

// Decision is a parsed oracle recommendation.
type Decision struct {
	Action    Action
	Amount    decimal.Decimal
	HasAmount bool
	Reason    string
}

var (
	keywordPattern    = regexp.MustCompile(`\b(APPROVED?|ACCEPT(?:ED)?|NEGOTIATE|COUNTER(?:-OFFER)?|REJECT(?:ED)?|DECLINED?)\b`)
	structuredPattern = regexp.MustCompile(`^\s*\**\s*(APPROVED?|ACCEPT(?:ED)?|NEGOTIATE|COUNTER(?:-OFFER)?|REJECT(?:ED)?|DECLINED?)\s*\**\s*\|([^|]*)\|?(.*)$`)
	amountPattern     = regexp.MustCompile(`(\d+(?:\.\d+)?)`)
	thousandsPattern  = regexp.MustCompile(`(\d),(\d{3})`)
)

// negationWindow is how many words before a free-text keyword are checked
// for a negation.
const negationWindow = 3

var negations = map[string]bool{
	"NOT": true, "NO": true, "NEVER": true, "CANNOT": true, "NOR": true, "NEITHER": true, "WITHOUT": true,
}

func actionFor(keyword string) Action {
	switch {
	case strings.HasPrefix(keyword, "APPROVE"), strings.HasPrefix(keyword, "ACCEPT"):
		return Approve
	case strings.HasPrefix(keyword, "NEGOTIATE"), strings.HasPrefix(keyword, "COUNTER"):
		return Negotiate
	default:
		return Reject
	}
}

// Parse reduces free-text oracle output to a Decision.
//
// A line of the form "ACTION | AMOUNT | REASON" is authoritative. Otherwise
// the text must name exactly one kind of action, none of its keywords may
// be negated ("do not approve"), and a negotiate decision takes the first
// number after its keyword. Anything else returns an error
// wrapping domain.ErrOracleParseAmbiguous, and the caller substitutes its
// own fallback.
func Parse(text string) (Decision, error) {
	normalized := thousandsPattern.ReplaceAllString(strings.ToUpper(text), "$1$2")
	reason := strings.TrimSpace(text)

	for _, line := range strings.Split(normalized, "\n") {
		m := structuredPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		d := Decision{Action: actionFor(m[1]), Reason: originalCase(text, strings.TrimSpace(m[3]))}
		if d.Reason == "" {
			d.Reason = reason
		}
		if amount, ok := firstAmount(m[2]); ok {
			d.Amount, d.HasAmount = amount, true
		}
		if d.Action == Negotiate && !d.HasAmount {
			return d, fmt.Errorf("negotiate without amount: %w", domain.ErrOracleParseAmbiguous)
		}
		return d, nil
	}

	matches := keywordPattern.FindAllStringSubmatchIndex(normalized, -1)
	if len(matches) == 0 {
		return Decision{Action: Negotiate, Reason: reason}, fmt.Errorf("no decision keyword: %w", domain.ErrOracleParseAmbiguous)
	}

	action := actionFor(normalized[matches[0][2]:matches[0][3]])
	for _, m := range matches {
		if negated(normalized[:m[2]]) {
			return Decision{Action: Negotiate, Reason: reason}, fmt.Errorf("negated decision keyword %q: %w", normalized[m[2]:m[3]], domain.ErrOracleParseAmbiguous)
		}
		if actionFor(normalized[m[2]:m[3]]) != action {
			return Decision{Action: Negotiate, Reason: reason}, fmt.Errorf("conflicting decision keywords: %w", domain.ErrOracleParseAmbiguous)
		}
	}

	d := Decision{Action: action, Reason: reason}
	if amount, ok := firstAmount(normalized[matches[0][1]:]); ok {
		d.Amount, d.HasAmount = amount, true
	}
	if d.Action == Negotiate && !d.HasAmount {
		return d, fmt.Errorf("negotiate without amount: %w", domain.ErrOracleParseAmbiguous)
	}
	return d, nil
}

// negated reports whether the last few words of prefix, within the same
// clause, contain a negation.
func negated(prefix string) bool {
	if i := strings.LastIndexAny(prefix, ".!?;\n"); i >= 0 {
		prefix = prefix[i+1:]
	}
	words := strings.FieldsFunc(strings.ReplaceAll(prefix, "’", "'"), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(words) > negationWindow {
		words = words[len(words)-negationWindow:]
	}
	for _, w := range words {
		if negations[w] || strings.HasSuffix(w, "N'T") {
			return true
		}
	}
	return false
}

func firstAmount(s string) (decimal.Decimal, bool) {
	m := amountPattern.FindString(s)
	if m == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// originalCase recovers the reason text in its original casing.
func originalCase(text, upper string) string {
	if upper == "" {
		return ""
	}
	if i := strings.Index(strings.ToUpper(text), upper); i >= 0 && i+len(upper) <= len(text) {
		return strings.TrimSpace(text[i : i+len(upper)])
	}
	return upper
}
