package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"bare", Info{Version: "dev"}, "digest dev"},
		{"commit", Info{Version: "v1.2.0", CommitHash: "0123456789abcdef"}, "digest v1.2.0 (commit 0123456)"},
		{"modified", Info{Version: "dev", CommitHash: "abc1234", Modified: true}, "digest dev (commit abc1234, modified)"},
		{"built", Info{Version: "v1.0.0", BuildTime: "2026-03-10T08:00:00Z"}, "digest v1.0.0, built 2026-03-10T08:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.String())
		})
	}
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
	assert.Equal(t, "abcdef0", Info{CommitHash: "abcdef0123"}.Short())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
