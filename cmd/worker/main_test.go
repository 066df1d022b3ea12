package main

// TODO: Add tests that require more setup and scaffolding:
// - Integration tests with a real Redis instance (dequeue/retry/DLQ flow)
// - Archive wiring against a real Postgres database
// - Signal handling and graceful shutdown testing

import (
	"os"
	"strings"
	"testing"
)

func TestReadServices(t *testing.T) {
	originalValue := os.Getenv("WORKER_SERVICES")
	defer func() {
		if originalValue == "" {
			os.Unsetenv("WORKER_SERVICES")
		} else {
			os.Setenv("WORKER_SERVICES", originalValue)
		}
	}()

	tests := []struct {
		name     string
		envValue string
		expected []string
	}{
		{
			name:     "default when unset",
			envValue: "",
			expected: []string{"embedding", "tools"},
		},
		{
			name:     "single service",
			envValue: "embedding",
			expected: []string{"embedding"},
		},
		{
			name:     "multiple services",
			envValue: "embedding,tools",
			expected: []string{"embedding", "tools"},
		},
		{
			name:     "whitespace trimmed",
			envValue: " embedding , tools ",
			expected: []string{"embedding", "tools"},
		},
		{
			name:     "empty segments dropped",
			envValue: "embedding,,tools,",
			expected: []string{"embedding", "tools"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue == "" {
				os.Unsetenv("WORKER_SERVICES")
			} else {
				os.Setenv("WORKER_SERVICES", tt.envValue)
			}

			result := readServices()
			if len(result) != len(tt.expected) {
				t.Fatalf("readServices() = %v, want %v", result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("readServices()[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestReadServices_OnlySeparators(t *testing.T) {
	originalValue := os.Getenv("WORKER_SERVICES")
	defer func() {
		if originalValue == "" {
			os.Unsetenv("WORKER_SERVICES")
		} else {
			os.Setenv("WORKER_SERVICES", originalValue)
		}
	}()

	os.Setenv("WORKER_SERVICES", " , ,")
	if got := readServices(); len(got) != 0 {
		t.Errorf("readServices() = %v, want empty for separator-only input", got)
	}
}

func TestDefaultServicesCoverHandlers(t *testing.T) {
	os.Unsetenv("WORKER_SERVICES")
	services := strings.Join(readServices(), ",")
	for _, want := range []string{"embedding", "tools"} {
		if !strings.Contains(services, want) {
			t.Errorf("default services %q missing %q", services, want)
		}
	}
}
