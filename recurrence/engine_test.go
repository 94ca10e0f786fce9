package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_OccurrencesBetween(t *testing.T) {
	engine := NewEngine()

	anchor := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	windowStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		rule      string
		cap       int
		wantCount int
		wantFirst time.Time
	}{
		{
			name:      "daily with count",
			rule:      "FREQ=DAILY;COUNT=5",
			wantCount: 5,
			wantFirst: anchor,
		},
		{
			name:      "prefixed rule string",
			rule:      "RRULE:FREQ=DAILY;COUNT=3",
			wantCount: 3,
			wantFirst: anchor,
		},
		{
			name:      "weekly interval",
			rule:      "FREQ=WEEKLY;INTERVAL=2;COUNT=2",
			wantCount: 2,
			wantFirst: anchor,
		},
		{
			name:      "until before window end",
			rule:      "FREQ=DAILY;UNTIL=20250117T100000Z",
			wantCount: 3,
			wantFirst: anchor,
		},
		{
			name:      "cap truncates",
			rule:      "FREQ=DAILY",
			cap:       4,
			wantCount: 4,
			wantFirst: anchor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.OccurrencesBetween(tt.rule, anchor, windowStart, windowEnd, tt.cap)
			require.NoError(t, err)
			assert.Len(t, got, tt.wantCount)
			if tt.wantCount > 0 {
				assert.True(t, got[0].Equal(tt.wantFirst), "first occurrence %v, want %v", got[0], tt.wantFirst)
			}
		})
	}
}

func TestEngine_OccurrencesBetween_UnboundedRuleHitsDefaultCap(t *testing.T) {
	engine := NewEngine()

	anchor := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	windowStart := anchor
	windowEnd := anchor.AddDate(1, 0, 0)

	got, err := engine.OccurrencesBetween("FREQ=DAILY", anchor, windowStart, windowEnd, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultOccurrenceCap)
}

func TestEngine_OccurrencesBetween_Ordering(t *testing.T) {
	engine := NewEngine()

	anchor := time.Date(2025, 3, 3, 8, 30, 0, 0, time.UTC)
	got, err := engine.OccurrencesBetween(
		"FREQ=WEEKLY;BYDAY=MO,WE,FR;COUNT=9",
		anchor,
		anchor.AddDate(0, -1, 0),
		anchor.AddDate(0, 2, 0),
		0,
	)
	require.NoError(t, err)
	require.Len(t, got, 9)

	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Before(got[i-1]), "occurrences must be non-decreasing")
		assert.False(t, got[i].Equal(got[i-1]), "occurrences must not repeat")
	}
}

func TestEngine_OccurrencesBetween_InvalidRule(t *testing.T) {
	engine := NewEngine()

	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, rule := range []string{"", "FREQ=BOGUS", "not a rule at all"} {
		_, err := engine.OccurrencesBetween(rule, anchor, anchor, anchor.AddDate(0, 1, 0), 0)
		assert.ErrorIs(t, err, ErrInvalidRule, "rule %q", rule)
	}
}

func TestEngine_Validate(t *testing.T) {
	engine := NewEngine()

	assert.NoError(t, engine.Validate("FREQ=MONTHLY;BYMONTHDAY=15"))
	assert.NoError(t, engine.Validate("RRULE:FREQ=DAILY"))
	assert.ErrorIs(t, engine.Validate("FREQ=SOMETIMES"), ErrInvalidRule)
	assert.ErrorIs(t, engine.Validate(""), ErrInvalidRule)
}

func TestEngine_Describe(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		rule string
		want string
	}{
		{"FREQ=DAILY", "every day"},
		{"FREQ=WEEKLY;INTERVAL=2", "every 2 weeks"},
		{"FREQ=MONTHLY;COUNT=10", "every month, 10 times"},
		{"FREQ=WEEKLY;BYDAY=MO,FR", "every week on Monday, Friday"},
		{"FREQ=MONTHLY;BYMONTHDAY=10", "every month on day 10"},
		{"FREQ=DAILY;UNTIL=20250102T000000Z", "every day, until Jan 2, 2025"},
		{"garbage", "custom recurrence"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.Describe(tt.rule), "rule %q", tt.rule)
	}
}
