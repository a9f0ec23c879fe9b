package utils

import (
	"strings"
	"testing"
)

func TestIsValidTypeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"valid simple name", "poet", true},
		{"valid with dashes", "review-board-001", true},
		{"empty string", "", false},
		{"max length (64 chars)", strings.Repeat("a", 64), true},
		{"too long (65 chars)", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTypeName(tt.input)
			if result != tt.expected {
				t.Errorf("IsValidTypeName(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}
