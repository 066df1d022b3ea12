package main

import (
	"os"
	"testing"
)

func TestSplitServices(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "two services", input: "embedding,tools", expected: []string{"embedding", "tools"}},
		{name: "single service", input: "embedding", expected: []string{"embedding"}},
		{name: "whitespace trimmed", input: " embedding , tools ", expected: []string{"embedding", "tools"}},
		{name: "empty segments dropped", input: ",embedding,,", expected: []string{"embedding"}},
		{name: "empty input", input: "", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitServices(tt.input)
			if len(got) != len(tt.expected) {
				t.Fatalf("splitServices(%q) = %v, want %v", tt.input, got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("splitServices(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	originalValue := os.Getenv("TEST_MONITOR_VAR")
	defer func() {
		if originalValue == "" {
			os.Unsetenv("TEST_MONITOR_VAR")
		} else {
			os.Setenv("TEST_MONITOR_VAR", originalValue)
		}
	}()

	os.Unsetenv("TEST_MONITOR_VAR")
	if got := getEnv("TEST_MONITOR_VAR", "fallback"); got != "fallback" {
		t.Errorf("getEnv default = %q, want fallback", got)
	}

	os.Setenv("TEST_MONITOR_VAR", "set")
	if got := getEnv("TEST_MONITOR_VAR", "fallback"); got != "set" {
		t.Errorf("getEnv = %q, want set", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	originalValue := os.Getenv("TEST_MONITOR_INT")
	defer func() {
		if originalValue == "" {
			os.Unsetenv("TEST_MONITOR_INT")
		} else {
			os.Setenv("TEST_MONITOR_INT", originalValue)
		}
	}()

	tests := []struct {
		name     string
		envValue string
		def      int
		expected int
	}{
		{name: "unset uses default", envValue: "", def: 15, expected: 15},
		{name: "valid integer", envValue: "30", def: 15, expected: 30},
		{name: "invalid integer uses default", envValue: "soon", def: 15, expected: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue == "" {
				os.Unsetenv("TEST_MONITOR_INT")
			} else {
				os.Setenv("TEST_MONITOR_INT", tt.envValue)
			}

			if got := getEnvInt("TEST_MONITOR_INT", tt.def); got != tt.expected {
				t.Errorf("getEnvInt = %d, want %d", got, tt.expected)
			}
		})
	}
}
