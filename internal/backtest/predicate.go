package backtest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/clovershield/internal/features"
)

var (
	// ErrUnsafePredicate is returned for predicates outside the accepted
	// subset. Nothing is evaluated when it is returned.
	ErrUnsafePredicate = errors.New("unsafe predicate")

	// ErrInvalidPredicate is returned for predicates in the accepted subset
	// that do not type-check as a boolean expression.
	ErrInvalidPredicate = errors.New("invalid predicate")
)

// DefaultMaxLength bounds predicate length when none is configured.
const DefaultMaxLength = 512

// Raw ledger fields a predicate may reference. The ground-truth label is
// deliberately absent.
var (
	stringFields = map[string]string{
		"type":     "tx_type",
		"nameOrig": "nameOrig",
		"nameDest": "nameDest",
	}
	numberFields = map[string]string{
		"step":           "step",
		"amount":         "amount",
		"oldBalanceOrig": "oldBalanceOrig",
		"oldbalanceOrg":  "oldBalanceOrig",
		"newBalanceOrig": "newBalanceOrig",
		"newbalanceOrig": "newBalanceOrig",
		"oldBalanceDest": "oldBalanceDest",
		"oldbalanceDest": "oldBalanceDest",
		"newBalanceDest": "newBalanceDest",
		"newbalanceDest": "newBalanceDest",
		"isFlaggedFraud": "isFlaggedFraud",
	}
)

var operators = []string{"<=", ">=", "==", "!=", "&&", "||", "<", ">", "+", "-", "*", "/", "%", "!", "(", ")"}

// Compiled is a predicate rewritten into expression syntax.
type Compiled struct {
	Source     string
	Expression string

	// Derived lists the fitted-state features the predicate references.
	Derived []string
}

// Rewrite tokenizes src, rejects anything outside the safe subset and
// returns the equivalent expression. Keywords and, or, not map to their
// symbolic forms and integer literals become doubles.
func Rewrite(src string, maxLength int) (*Compiled, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty predicate", ErrUnsafePredicate)
	}
	if len(src) > maxLength {
		return nil, fmt.Errorf("%w: predicate longer than %d characters", ErrUnsafePredicate, maxLength)
	}

	out := &Compiled{Source: src}
	var b strings.Builder
	seen := map[string]bool{}
	emit := func(tok string) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			i = j
			switch word {
			case "and":
				emit("&&")
			case "or":
				emit("||")
			case "not":
				emit("!")
			case "True", "true":
				emit("true")
			case "False", "false":
				emit("false")
			default:
				name, derived, ok := resolve(word)
				if !ok {
					return nil, fmt.Errorf("%w: unknown identifier %q", ErrUnsafePredicate, word)
				}
				if derived && !seen[name] {
					seen[name] = true
					out.Derived = append(out.Derived, name)
				}
				emit(name)
			}

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
				j++
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				for j < len(src) && isDigit(src[j]) {
					j++
				}
			}
			lit := src[i:j]
			v, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed number %q", ErrUnsafePredicate, lit)
			}
			if j < len(src) && isIdentStart(src[j]) {
				return nil, fmt.Errorf("%w: malformed number near %q", ErrUnsafePredicate, src[i:min(j+1, len(src))])
			}
			emit(formatNumber(v))
			i = j

		case c == '"' || c == '\'':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated string literal", ErrUnsafePredicate)
			}
			body := src[i+1 : i+1+end]
			if strings.ContainsAny(body, "\\\n\r") {
				return nil, fmt.Errorf("%w: escapes are not allowed in string literals", ErrUnsafePredicate)
			}
			emit(strconv.Quote(body))
			i += end + 2

		default:
			op := matchOperator(src[i:])
			if op == "" {
				return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrUnsafePredicate, c, i)
			}
			emit(op)
			i += len(op)
		}
	}

	out.Expression = b.String()
	return out, nil
}

func resolve(word string) (name string, derived, ok bool) {
	if n, ok := stringFields[word]; ok {
		return n, false, true
	}
	if n, ok := numberFields[word]; ok {
		return n, false, true
	}
	if features.Derived(word) {
		return word, true, true
	}
	return "", false, false
}

func matchOperator(s string) string {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// IsPredicateError reports whether err was caused by the predicate itself
// rather than the evaluator.
func IsPredicateError(err error) bool {
	return errors.Is(err, ErrUnsafePredicate) || errors.Is(err, ErrInvalidPredicate)
}
