package globpat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "", true},
		{"*", "anything", true},
		{"", "", true},
		{"", "x", false},
		{"FXE_DET_LPD1M-1/DET/0CH0", "FXE_DET_LPD1M-1/DET/0CH0", true},
		{"FXE_DET_LPD1M-1/DET/0CH0", "FXE_DET_LPD1M-1/DET/1CH0", false},
		{"*/DET/*", "FXE_DET_LPD1M-1/DET/0CH0", true},
		{"*/DET/*", "SA1_XTD2_XGM/XGM/DOOCS", false},
		{"*CH0", "FXE_DET_LPD1M-1/DET/0CH0", true},
		{"FXE*", "FXE_DET_LPD1M-1/DET/0CH0", true},
		{"FXE*CH0", "FXE_DET_LPD1M-1/DET/0CH0", true},
		{"FXE*XGM*CH0", "FXE_DET_LPD1M-1/DET/0CH0", false},
		// Overlapping literals must not double-count.
		{"ab*ab", "ab", false},
		{"ab*ab", "abab", true},
		{"a**b", "ab", true},
		// `?` and `[` are literals in this dialect.
		{"image.dat?", "image.data", false},
		{"image.dat?", "image.dat?", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.name), "Match(%q, %q)", tt.pattern, tt.name)
	}
}

func TestIsLiteral(t *testing.T) {
	assert.True(t, IsLiteral("abc/def"))
	assert.False(t, IsLiteral("abc*"))
}
