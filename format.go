// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"fmt"
	"time"
)

// FormatDuration renders a duration for humans in verbose form:
// "Less than 1 second", "45 seconds", "2 minutes 5 seconds",
// "2 hours 30 minutes". Seconds are omitted above one minute when they
// are zero, minutes above one hour likewise.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "Less than 1 second"
	}
	secs := int(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%d %s", secs, plural("second", secs))
	case secs < 3600:
		m, s := secs/60, secs%60
		if s == 0 {
			return fmt.Sprintf("%d %s", m, plural("minute", m))
		}
		return fmt.Sprintf("%d %s %d %s", m, plural("minute", m), s, plural("second", s))
	default:
		h, m := secs/3600, (secs%3600)/60
		if m == 0 {
			return fmt.Sprintf("%d %s", h, plural("hour", h))
		}
		return fmt.Sprintf("%d %s %d %s", h, plural("hour", h), m, plural("minute", m))
	}
}

// FormatDurationShort renders a duration in compact form: "<1s", "45s",
// "2m 5s", "2h 30m".
func FormatDurationShort(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	secs := int(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		m, s := secs/60, secs%60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		h, m := secs/3600, (secs%3600)/60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}
}

func plural(unit string, n int) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
