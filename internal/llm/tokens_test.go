package llm

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char", "a", 1},
		{"four chars", "abcd", 1},
		{"five chars", "abcde", 2},
		{"eight chars", "abcdefgh", 2},
		{"multibyte counts bytes", "héhé", 2}, // 6 bytes
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestReconcileUsage(t *testing.T) {
	t.Run("prefers reported", func(t *testing.T) {
		got := ReconcileUsage(&Usage{TotalTokens: 42}, "prompt", "response")
		if got != 42 {
			t.Errorf("ReconcileUsage = %d, want 42", got)
		}
	})

	t.Run("falls back to estimates", func(t *testing.T) {
		// 8 bytes + 4 bytes -> 2 + 1 tokens.
		got := ReconcileUsage(nil, "12345678", "1234")
		if got != 3 {
			t.Errorf("ReconcileUsage = %d, want 3", got)
		}
	})

	t.Run("zero reported total is treated as absent", func(t *testing.T) {
		got := ReconcileUsage(&Usage{}, "1234", "1234")
		if got != 2 {
			t.Errorf("ReconcileUsage = %d, want 2", got)
		}
	})
}
