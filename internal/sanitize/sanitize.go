// Package sanitize masks personal data in free text before it leaves the
// preparer.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a named masking expression.
type Pattern struct {
	Name string
	Expr string
}

// Built-in patterns, applied in this order. They favour over-masking.
var builtin = []Pattern{
	{Name: "cpf", Expr: `\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`},
	{Name: "email", Expr: `\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`},
	// E.164, bare international or area-coded digit runs, then the
	// separated forms with an optional country and area code.
	{Name: "phone", Expr: `(?:\+\d{10,15}\b|\b\d{10,13}\b|(?:\+\d{1,3}\s?)?(?:\(\d{2,3}\)\s?|\b\d{2,3}[\s-]?|\b)(?:9\d{4}|\d{4})-?\d{4}\b)`},
}

type rule struct {
	re    *regexp.Regexp
	token string
}

// Sanitizer replaces every pattern match with its masking token.
type Sanitizer struct {
	rules []rule
}

var defaultSanitizer = mustNew(nil)

// Sanitize masks text with the built-in patterns.
func Sanitize(text string) string {
	return defaultSanitizer.Sanitize(text)
}

// Token returns the masking token for a pattern name.
func Token(name string) string {
	return "***MASKED_" + strings.ToUpper(name) + "***"
}

// New builds a sanitizer from the built-in patterns followed by extra.
func New(extra []Pattern) (*Sanitizer, error) {
	s := &Sanitizer{}
	for _, p := range append(append([]Pattern{}, builtin...), extra...) {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("sanitize: pattern %q: %w", p.Name, err)
		}
		s.rules = append(s.rules, rule{re: re, token: Token(p.Name)})
	}
	return s, nil
}

func mustNew(extra []Pattern) *Sanitizer {
	s, err := New(extra)
	if err != nil {
		panic(err)
	}
	return s
}

// Sanitize masks text. It never fails and returns "" for "".
func (s *Sanitizer) Sanitize(text string) string {
	if text == "" {
		return text
	}
	for _, r := range s.rules {
		text = r.re.ReplaceAllLiteralString(text, r.token)
	}
	return text
}
