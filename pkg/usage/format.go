package usage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GroupedInt formats integers with comma separators.
func GroupedInt(n int) string {
	s := strconv.Itoa(n)
	if n < 1000 {
		return s
	}

	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

// HumanDuration renders d as "850ms", "4.2s" or "1.5m".
func HumanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return formatScaled(d.Minutes(), "m")
	case d >= time.Second:
		return formatScaled(d.Seconds(), "s")
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

func formatScaled(value float64, suffix string) string {
	s := fmt.Sprintf("%.1f", value)
	s = strings.TrimSuffix(s, ".0")
	return s + suffix
}

// Summary renders an aggregate and its per-channel breakdown as plain text.
func Summary(total Aggregate, byChannel map[string]Aggregate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "jobs: %s (ok %s, no text %s, failed %s), avg %s\n",
		GroupedInt(total.Jobs),
		GroupedInt(total.Succeeded),
		GroupedInt(total.NoText),
		GroupedInt(total.Failed),
		HumanDuration(total.AvgDuration()),
	)

	channels := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		agg := byChannel[ch]
		fmt.Fprintf(&b, "  %s: %s jobs, %s failed\n", ch, GroupedInt(agg.Jobs), GroupedInt(agg.Failed))
	}
	return b.String()
}
