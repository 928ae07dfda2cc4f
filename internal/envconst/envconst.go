// Package envconst reads tunables that are intentionally not part of the
// YAML configuration surface (operational knobs an operator might need to
// flip without a config edit, e.g. while debugging a stuck remote).
package envconst

import (
	"os"
	"strconv"
	"time"
)

func Duration(varname string, def time.Duration) time.Duration {
	s := os.Getenv(varname)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func Int(varname string, def int) int {
	s := os.Getenv(varname)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func Bool(varname string, def bool) bool {
	s := os.Getenv(varname)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}
