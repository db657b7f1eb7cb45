package sanitize

import (
	"strings"
	"testing"
)

func TestSanitize_Email(t *testing.T) {
	got := Sanitize("Meu email é a@b.com")
	want := "Meu email é ***MASKED_EMAIL***"
	if got != want {
		t.Errorf("Sanitize = %q, want %q", got, want)
	}
}

func TestSanitize_Patterns(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"cpf formatted", "cpf 123.456.789-09 ok", "cpf ***MASKED_CPF*** ok"},
		{"cpf bare", "12345678909", "***MASKED_CPF***"},
		{"mobile with ddd", "liga (11) 91234-5678", "liga ***MASKED_PHONE***"},
		{"landline", "fixo 3456-7890", "fixo ***MASKED_PHONE***"},
		{"international", "whats +55 11 91234-5678", "whats ***MASKED_PHONE***"},
		{"e164", "+5511999999999", "***MASKED_PHONE***"},
		{"whatsapp from", "meu whatsapp 551199999999", "meu whatsapp ***MASKED_PHONE***"},
		{"whatsapp from mobile", "meu whatsapp 5511999999999", "meu whatsapp ***MASKED_PHONE***"},
		{"bare landline", "ligue 1133334444", "ligue ***MASKED_PHONE***"},
		{"trunk prefix", "tel 011-99999-9999", "tel ***MASKED_PHONE***"},
		{"glued area code", "ddd 1191234-5678", "ddd ***MASKED_PHONE***"},
		{"date untouched", "hoje é 16/10/2026 às 10h", "hoje é 16/10/2026 às 10h"},
		{"two emails", "x@y.io e z@w.com.br", "***MASKED_EMAIL*** e ***MASKED_EMAIL***"},
		{"nothing", "bom dia, tudo bem?", "bom dia, tudo bem?"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	corpus := []string{
		"",
		"Meu email é a@b.com",
		"cpf 123.456.789-09, tel (11) 91234-5678, mail joao.silva+x@empresa.com.br",
		"12345678909@x.com",
		"a@b.com@c.org",
		"1234-5678x@b.co",
		"+5511999999999",
		"(21)3456-7890 e 98765-4321",
		"123456789012345678901234",
		"***MASKED_EMAIL*** 1234-5678",
		"números soltos: 12, 345, 6789",
		"çãé 999.999.999-99 ü",
		"+55 (11) 3456-7890",
		"1234-5678-1234-5678",
		"551199999999",
		"ligue 1133334444 ou 011-99999-9999",
		"5511999999999x@b.co",
	}
	for _, in := range corpus {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestSanitize_TokensHaveNoMaskableCharacters(t *testing.T) {
	for _, p := range builtin {
		tok := Token(p.Name)
		if strings.ContainsAny(tok, "0123456789@.") {
			t.Errorf("token %q contains a character a pattern could match", tok)
		}
	}
}

func TestNew_ExtraPatterns(t *testing.T) {
	s, err := New([]Pattern{{Name: "card", Expr: `\b(?:\d{4} ){3}\d{4}\b`}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := s.Sanitize("cartão 4111 1111 1111 1111")
	if got != "cartão ***MASKED_CARD***" {
		t.Errorf("Sanitize = %q", got)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New([]Pattern{{Name: "bad", Expr: `(`}})
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if !strings.Contains(err.Error(), `pattern "bad"`) {
		t.Errorf("error = %q", err)
	}
}
