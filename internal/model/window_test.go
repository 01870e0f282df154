package model_test

import (
	"testing"
	"time"

	"github.com/marketdesk/refresher/internal/model"

	"github.com/stretchr/testify/require"
)

func TestWindowAllows(t *testing.T) {
	t.Parallel()
	at := func(hhmm string) time.Time {
		tm, err := time.ParseInLocation("2006-01-02 15:04", "2026-10-16 "+hhmm, time.UTC)
		require.NoError(t, err)
		return tm
	}

	wrap, err := model.NewWindow("15:00", "09:30", time.UTC)
	require.NoError(t, err)
	day, err := model.NewWindow("09:00", "17:00", time.UTC)
	require.NoError(t, err)
	minute, err := model.NewWindow("12:00", "12:00", time.UTC)
	require.NoError(t, err)

	cases := []struct {
		scenario string
		window   *model.Window
		at       string
		allowed  bool
	}{
		{"wrap_start_inclusive", wrap, "15:00", true},
		{"wrap_evening", wrap, "22:10", true},
		{"wrap_midnight", wrap, "00:00", true},
		{"wrap_end_inclusive", wrap, "09:30", true},
		{"wrap_after_end", wrap, "09:31", false},
		{"wrap_midday", wrap, "12:00", false},
		{"wrap_before_start", wrap, "14:59", false},
		{"day_inside", day, "12:00", true},
		{"day_before", day, "08:59", false},
		{"day_after", day, "17:01", false},
		{"single_minute", minute, "12:00", true},
		{"single_minute_before", minute, "11:59", false},
		{"single_minute_after", minute, "12:01", false},
		{"nil_always_open", nil, "03:00", true},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.allowed, tc.window.Allows(at(tc.at)))
		})
	}
}

func TestWindowTimezone(t *testing.T) {
	t.Parallel()
	w, err := model.Admission{Start: "15:00", End: "09:30", Timezone: "Asia/Shanghai"}.Window()
	require.NoError(t, err)

	// 08:00 UTC is 16:00 in Shanghai
	require.True(t, w.Allows(time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)))
	// 04:00 UTC is 12:00 in Shanghai
	require.False(t, w.Allows(time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC)))
	require.Equal(t, "15:00-09:30 Asia/Shanghai", w.String())

	_, err = model.Admission{Start: "7pm", End: "09:30"}.Window()
	require.Error(t, err)
}
