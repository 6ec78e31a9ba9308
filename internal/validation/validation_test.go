package validation

import (
	"testing"
)

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"sess-42", true},
		{"a", true},
		{"A1_b2-C3", true},
		{"0f9d2e8c1b7a4d3e9f0a1b2c3d4e5f60", true},

		// Invalid cases
		{"", false},
		{"has space", false},
		{"slash/id", false},
		{"dots.are.out", false},
		{"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_-extra", false}, // Too long
	}

	for _, tc := range tests {
		result := IsValidSessionID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidSessionID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidEventType(t *testing.T) {
	tests := []struct {
		typ   string
		valid bool
	}{
		{"file_modified", true},
		{"command_executed", true},
		{"code_pasted_from_ai", true},
		{"custom.producer.event", true},

		// Invalid
		{"", false},
		{"9starts_with_digit", false},
		{"Has_Upper", false},
		{"spaces here", false},
	}

	for _, tc := range tests {
		result := IsValidEventType(tc.typ)
		if result != tc.valid {
			t.Errorf("IsValidEventType(%q) = %v, want %v", tc.typ, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("sessionId", "sess-42"),
		ValidSessionID("sessionId", "sess-42"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("sessionId", ""),
		ValidSessionID("other", "not valid!"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
