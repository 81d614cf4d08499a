package usdc

import (
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one dollar", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"whole and frac", "1.500000", 1_500_000},
		{"no frac", "1", 1_000_000},
		{"short frac", "1.5", 1_500_000},
		{"three decimals", "1.123", 1_123_000},
		{"six decimals", "1.123456", 1_123_456},
		{"extra precision truncates", "1.1234567", 1_123_456},
		{"large amount", "999999.999999", 999_999_999_999},
		{"leading zeros in whole", "007.50", 7_500_000},
		{"empty is zero", "", 0},
		{"zero variants", "0.000000", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"two dots", "1.2.3"},
		{"letters", "ten"},
		{"hex", "0x10"},
		{"whole overflow", "99999999999999999999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) = %d, ok=true, want rejection", tt.input, got)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		expected string
	}{
		{"one dollar", 1_000_000, "1.000000"},
		{"fifty cents", 500_000, "0.500000"},
		{"smallest unit", 1, "0.000001"},
		{"zero", 0, "0.000000"},
		{"negative", -1_500_000, "-1.500000"},
		{"large", 999_999_999_999, "999999.999999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.amount); got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.amount, got, tt.expected)
			}
		})
	}
}

func TestParseFormatAgree(t *testing.T) {
	for _, s := range []string{"1.000000", "0.500000", "123.456789"} {
		units, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(units); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}
