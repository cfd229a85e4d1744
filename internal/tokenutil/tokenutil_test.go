package tokenutil_test

import (
	"strings"
	"testing"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/tokenutil"
)

func TestEstimateTokens(t *testing.T) {
	if got := tokenutil.EstimateTokens(""); got != 0 {
		t.Fatalf("empty string: got %d", got)
	}
	// 10 words at 1.33 tokens each beats the character floor.
	prose := strings.Repeat("word ", 10)
	if got := tokenutil.EstimateTokens(prose); got != 13 {
		t.Fatalf("prose: got %d", got)
	}
	// Dense text with no spaces falls back to the len/4 floor.
	dense := strings.Repeat("x", 400)
	if got := tokenutil.EstimateTokens(dense); got != 100 {
		t.Fatalf("dense: got %d", got)
	}
}

func TestEstimateTokens_GrowsWithContent(t *testing.T) {
	short := tokenutil.EstimateTokens("a brief note")
	long := tokenutil.EstimateTokens(strings.Repeat("a much longer passage of text ", 50))
	if short <= 0 || long <= short {
		t.Fatalf("estimates not monotonic: short=%d long=%d", short, long)
	}
}
