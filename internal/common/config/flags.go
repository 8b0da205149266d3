package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Uint32SliceFlag implements flag.Value for a slice of uint32
type Uint32SliceFlag []uint32

func (f *Uint32SliceFlag) String() string {
	if f == nil {
		return ""
	}
	strs := make([]string, len(*f))
	for i, v := range *f {
		strs[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(strs, ",")
}

// Set replaces the defaults on first use so that an explicit flag does not append to them.
func (f *Uint32SliceFlag) Set(value string) error {
	var out []uint32
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid port value %q: %w", part, err)
		}
		out = append(out, uint32(v))
	}
	*f = out
	return nil
}

// StringSliceFlag implements flag.Value for a comma separated list of strings
type StringSliceFlag []string

func (f *StringSliceFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *StringSliceFlag) Set(value string) error {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*f = out
	return nil
}

// DurationSliceFlag implements flag.Value for a comma separated list of durations,
// e.g. "100ms,200ms,500ms"
type DurationSliceFlag []time.Duration

func (f *DurationSliceFlag) String() string {
	if f == nil {
		return ""
	}
	strs := make([]string, len(*f))
	for i, d := range *f {
		strs[i] = d.String()
	}
	return strings.Join(strs, ",")
}

func (f *DurationSliceFlag) Set(value string) error {
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", part, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid duration %q: must not be negative", part)
		}
		out = append(out, d)
	}
	*f = out
	return nil
}

// LogLevelFlag implements flag.Value for slog levels
type LogLevelFlag slog.Level

func (f *LogLevelFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.ToLower(slog.Level(*f).String())
}

func (f *LogLevelFlag) Set(value string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", value, err)
	}
	*f = LogLevelFlag(level)
	return nil
}

// Level returns the configured slog level
func (f *LogLevelFlag) Level() slog.Level {
	return slog.Level(*f)
}
