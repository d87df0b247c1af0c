package ws

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMuteUntil(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	abs := now.Add(48 * time.Hour)

	tests := []struct {
		name string
		req  moderationPayload
		want time.Time
	}{
		{"default", moderationPayload{}, time.Time{}},
		{"negative minutes", moderationPayload{Minutes: -5}, time.Time{}},
		{"relative", moderationPayload{Minutes: 30}, now.Add(30 * time.Minute)},
		{"absolute wins", moderationPayload{Until: &abs, Minutes: 30}, abs},
		{"capped", moderationPayload{Minutes: maxMuteMinutes + 1}, now.Add(maxMuteMinutes * time.Minute)},
		{"huge", moderationPayload{Minutes: math.MaxInt}, now.Add(maxMuteMinutes * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := muteUntil(tt.req, now)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
			if tt.req.Minutes > 0 {
				assert.True(t, got.After(now))
			}
		})
	}
}
