package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations reads string duration fields ("500ms", "1h30m") out of a
// parsed config block. It remembers the first error so a converter can
// read a whole block and check once at the end. An empty field reads as
// zero with Field, or as the caller's default with FieldOr.
type Durations struct {
	err error
}

func (p *Durations) Field(path, raw string) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.fail(fmt.Errorf("%s: invalid duration %q: %w", path, raw, err))
		return 0
	}
	if d < 0 {
		p.fail(fmt.Errorf("%s: duration must not be negative", path))
		return 0
	}
	return d
}

func (p *Durations) FieldOr(path, raw string, def time.Duration) time.Duration {
	if d := p.Field(path, raw); d > 0 {
		return d
	}
	return def
}

// Err returns the first parse error seen, or nil.
func (p *Durations) Err() error { return p.err }

func (p *Durations) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
