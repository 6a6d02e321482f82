package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"
)

// Infinity is the time span spelled "infinity". A zero or Infinity
// timeout means "no timeout" for every caller in slunit.
const Infinity time.Duration = math.MaxInt64

var spanUnits = map[string]time.Duration{
	"us": time.Microsecond, "usec": time.Microsecond,
	"ms": time.Millisecond, "msec": time.Millisecond,
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseTimeSpan parses a systemd.time(7) span such as "90", "1min 30s"
// or "infinity". A bare number is taken as seconds.
func ParseTimeSpan(span string) (time.Duration, error) {
	span = strings.TrimSpace(span)
	if span == "" {
		return 0, fmt.Errorf("empty time span")
	}
	if span == "infinity" {
		return Infinity, nil
	}
	if f, err := strconv.ParseFloat(span, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("negative time span %q", span)
		}
		return time.Duration(f * float64(time.Second)), nil
	}

	var total time.Duration
	i := 0
	for i < len(span) {
		if span[i] == ' ' {
			i++
			continue
		}
		if !unicode.IsDigit(rune(span[i])) {
			return 0, fmt.Errorf("time span %q: components must start with numbers", span)
		}
		start := i
		for i < len(span) && (unicode.IsDigit(rune(span[i])) || span[i] == '.') {
			i++
		}
		num, err := strconv.ParseFloat(span[start:i], 64)
		if err != nil {
			return 0, fmt.Errorf("time span %q: %w", span, err)
		}
		for i < len(span) && span[i] == ' ' {
			i++
		}
		ustart := i
		for i < len(span) && unicode.IsLetter(rune(span[i])) {
			i++
		}
		unit := span[ustart:i]
		mult := time.Second
		if unit != "" {
			var ok bool
			if mult, ok = spanUnits[unit]; !ok {
				return 0, fmt.Errorf("time span %q: unknown unit %q", span, unit)
			}
		}
		total += time.Duration(num * float64(mult))
	}
	return total, nil
}

// FormatTimeSpan renders d the way ParseTimeSpan accepts it.
func FormatTimeSpan(d time.Duration) string {
	if d == Infinity {
		return "infinity"
	}
	return d.String()
}

// TimeSpan is a time.Duration that decodes from systemd time spans in
// configuration files.
type TimeSpan time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeSpan) UnmarshalText(text []byte) error {
	d, err := ParseTimeSpan(string(text))
	if err != nil {
		return err
	}
	*t = TimeSpan(d)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeSpan) MarshalText() ([]byte, error) {
	return []byte(FormatTimeSpan(time.Duration(t))), nil
}

// ParseBool parses systemd-style booleans.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "y", "true", "t", "on":
		return true, nil
	case "0", "no", "n", "false", "f", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean: %q", s)
}

// FormatBool renders a boolean as yes/no.
func FormatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

var signals = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGTERM": syscall.SIGTERM,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGCONT": syscall.SIGCONT,
	"SIGSTOP": syscall.SIGSTOP,
	"SIGABRT": syscall.SIGABRT,
}

// ParseSignal parses a signal name (e.g., "SIGTERM", "TERM") or number.
func ParseSignal(s string) (syscall.Signal, error) {
	upper := strings.ToUpper(s)
	if sig, ok := signals[upper]; ok {
		return sig, nil
	}
	if sig, ok := signals["SIG"+upper]; ok {
		return sig, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n >= 65 {
		return 0, fmt.Errorf("unknown signal: %s", s)
	}
	return syscall.Signal(n), nil
}

// SignalName returns the SIGxxx name of sig, or its number.
func SignalName(sig syscall.Signal) string {
	for name, s := range signals {
		if s == sig {
			return name
		}
	}
	return strconv.Itoa(int(sig))
}
