package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"plain", "brave-otter", "brave-otter", true},
		{"trimmed", "  brave-otter  ", "brave-otter", true},
		{"empty", "", "", false},
		{"whitespace only", "   ", "", false},
		{"contains space", "brave otter", "", false},
		{"contains slash", "brave/otter", "", false},
		{"path escape", "../otter", "", false},
		{"too long", strings.Repeat("x", 65), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateIdentity(tt.in)
			if !tt.wantOK {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
