package catalog

import (
	"strings"
	"unicode"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Guardrail screens remediation SQL before it reaches the database.
type Guardrail struct {
	blocked map[string]struct{}
	verbs   map[string]struct{}
}

// NewGuardrail builds a guardrail from cfg. Empty entries are ignored.
func NewGuardrail(cfg GuardrailConfig) *Guardrail {
	return &Guardrail{blocked: upperSet(cfg.Blocked), verbs: upperSet(cfg.AllowedVerbs)}
}

func upperSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.ToUpper(strings.TrimSpace(w)); w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// Check rejects empty input, multiple statements, a leading verb outside
// the allowed list and any blocked keyword. Errors carry
// CodeValidationQueryBlocked.
func (g *Guardrail) Check(sql string) error {
	stmt := strings.TrimSpace(sql)
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	if stmt == "" {
		return sserr.New(sserr.CodeValidationQueryBlocked, "catalog: query is empty")
	}
	if strings.Contains(stmt, ";") {
		return sserr.New(sserr.CodeValidationQueryBlocked, "catalog: query must be a single statement")
	}

	words := sqlWords(stmt)
	if len(words) == 0 {
		return sserr.New(sserr.CodeValidationQueryBlocked, "catalog: query has no statement verb")
	}
	if _, ok := g.verbs[words[0]]; !ok {
		return sserr.Newf(sserr.CodeValidationQueryBlocked, "catalog: query may not start with %s", words[0]).
			WithDetail("verb", words[0])
	}
	for _, w := range words {
		if _, blocked := g.blocked[w]; blocked {
			return sserr.Newf(sserr.CodeValidationQueryBlocked, "catalog: query contains blocked keyword %s", w).
				WithDetail("keyword", w)
		}
	}
	return nil
}

// sqlWords returns the upper-cased identifier tokens of stmt outside
// string literals and comments.
func sqlWords(stmt string) []string {
	var (
		words []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToUpper(cur.String()))
			cur.Reset()
		}
	}
	runes := []rune(stmt)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			flush()
			quote = r
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			flush()
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case unicode.IsLetter(r) || r == '_' || (cur.Len() > 0 && unicode.IsDigit(r)):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}
