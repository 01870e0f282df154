package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/marketdesk/refresher/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
		then     error
	}{
		{"valid_5_fields", "*/15 * * * *", nil},
		{"weekdays_afternoon", "0 16 * * 1-5", nil},
		{"macro_hourly", "@hourly", nil},
		{"macro_every", "@every 5m", nil},
		{"invalid_token_5_fields", "* * 32 * *", errors.New("end of range (32) above maximum (31): 32")},
		{"empty", "", errors.New("empty cron expression")},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := model.ParseCron(tc.given)
			if tc.then == nil {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.then.Error())
		})
	}
}

func TestParseCueDuration(t *testing.T) {
	cases := []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"90s", 90 * time.Second, false},
		{"10m", 10 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d2h3m4s", 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second, false},
		{"", 0, true},
		{"0s", 0, true},
		{"10", 0, true},
		{"1m1h", 0, true},
		{"ten minutes", 0, true},
		{"9999999999999999999d", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseCueDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
