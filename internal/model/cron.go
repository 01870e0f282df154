package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five field cron expression. Descriptors like @hourly
// and @every 5m are accepted as well.
func ParseCron(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("empty cron expression")
	}
	_, err := cronParser.Parse(expr)
	return err
}

var (
	durationRx    = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)
	durationUnits = map[byte]time.Duration{
		'd': 24 * time.Hour,
		'h': time.Hour,
		'm': time.Minute,
		's': time.Second,
	}
)

// ParseCueDuration converts the configuration duration format (7d, 1h30m,
// 90s) into a time.Duration. Units must appear in d, h, m, s order and the
// result must be positive.
func ParseCueDuration(s string) (time.Duration, error) {
	groups := durationRx.FindStringSubmatch(s)
	if s == "" || groups == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total time.Duration
	for _, g := range groups[1:] {
		if g == "" {
			continue
		}
		unit := durationUnits[g[len(g)-1]]
		n, err := strconv.ParseInt(g[:len(g)-1], 10, 64)
		if err != nil || n > int64(math.MaxInt64/unit) || total > math.MaxInt64-time.Duration(n)*unit {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		total += time.Duration(n) * unit
	}
	if total == 0 {
		return 0, fmt.Errorf("duration %q is zero", s)
	}
	return total, nil
}
