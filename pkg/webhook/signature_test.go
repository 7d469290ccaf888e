package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignature(t *testing.T) {
	body := []byte(`{"objective":"ship it"}`)
	sig := Sign(body, "s3cret")

	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)

	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"valid", sig, "s3cret", true},
		{"without prefix", sig[len("sha256="):], "s3cret", true},
		{"wrong secret", sig, "other", false},
		{"not hex", "sha256=zz", "s3cret", false},
		{"empty", "", "s3cret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, verifySignature(body, tt.header, tt.secret))
		})
	}

	assert.False(t, verifySignature([]byte(`{"objective":"tampered"}`), sig, "s3cret"))
}
