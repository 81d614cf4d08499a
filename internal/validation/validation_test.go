package validation

import (
	"strings"
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	valid := "0x" + strings.Repeat("ab12", 16)
	if !IsValidTxHash(valid) {
		t.Errorf("IsValidTxHash(%q) = false, want true", valid)
	}
	for _, bad := range []string{"", "0x", "0x1234", strings.Repeat("a", 66), valid + "ff"} {
		if IsValidTxHash(bad) {
			t.Errorf("IsValidTxHash(%q) = true, want false", bad)
		}
	}
}

func TestIsValidAgentName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"summarizer-bot", true},
		{"Agent_42", true},
		{"ab", true},
		{"a", false},             // too short
		{"-leading-dash", false}, // must start alphanumeric
		{"has space", false},
		{"dots.not.allowed", false},
		{strings.Repeat("x", 65), false}, // too long
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidAgentName(tc.name); got != tc.valid {
			t.Errorf("IsValidAgentName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestIsValidEventName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"transaction.delivered", true},
		{"transaction.revision_requested", true},
		{"escrow.funded", true},
		{"*", true},
		{"transaction", false}, // needs a dot
		{"Transaction.Done", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidEventName(tc.name); got != tc.valid {
			t.Errorf("IsValidEventName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"  hello  ", "hello"},
		{"with\x00null", "withnull"},
		{"", ""},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input); got != tc.expected {
			t.Errorf("SanitizeString(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}

	long := strings.Repeat("a", MaxStringLength+50)
	if got := SanitizeString(long); len(got) != MaxStringLength {
		t.Errorf("SanitizeString long input length = %d, want %d", len(got), MaxStringLength)
	}
}

func TestValidateCollectsFailures(t *testing.T) {
	errs := Validate(
		Required("title", ""),
		MaxLength("description", "ok", 100),
		ValidRating("rating", 7),
	)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	if errs[0].Field != "title" || errs[1].Field != "rating" {
		t.Errorf("unexpected fields: %v", errs)
	}
	if !strings.Contains(errs.Error(), "title") {
		t.Errorf("Error() = %q, want first failure surfaced", errs.Error())
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"", true}, // empty passes, pair with Required
		{"5", true},
		{"10.50", true},
		{"0.01", true},
		{"0", false},
		{"0.00", false},
		{".5", false},
		{"5.", false},
		{"1.2.3", false},
		{"-5", false},
		{"abc", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		if (err == nil) != tc.valid {
			t.Errorf("ValidAmount(%q) valid = %v, want %v", tc.value, err == nil, tc.valid)
		}
	}
}

func TestValidWebhookURL(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"", true},
		{"https://example.com/hook", true},
		{"http://localhost:9000/x", true},
		{"ftp://example.com", false},
		{"not-a-url", false},
		{"https://", false},
	}

	for _, tc := range tests {
		err := ValidWebhookURL("url", tc.value)()
		if (err == nil) != tc.valid {
			t.Errorf("ValidWebhookURL(%q) valid = %v, want %v", tc.value, err == nil, tc.valid)
		}
	}
}

func TestValidCreditsAndPercent(t *testing.T) {
	if err := ValidCredits("amount", 10)(); err != nil {
		t.Errorf("ValidCredits(10) = %v, want nil", err)
	}
	for _, bad := range []int64{0, -5} {
		if err := ValidCredits("amount", bad)(); err == nil {
			t.Errorf("ValidCredits(%d) = nil, want error", bad)
		}
	}
	if err := ValidPercent("percent", 100)(); err != nil {
		t.Errorf("ValidPercent(100) = %v, want nil", err)
	}
	if err := ValidPercent("percent", 101)(); err == nil {
		t.Error("ValidPercent(101) = nil, want error")
	}
}
