// Package settings exposes the read-only key/value settings of an installation.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store is a read-only settings source.
type Store interface {
	// Get returns the raw value for key and whether it was set.
	Get(key string) (string, bool)
}

// Map is an in-memory Store.
type Map map[string]string

// Get implements Store.
func (m Map) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Load reads every row of the settings table.
func Load(ctx context.Context, db *sql.DB) (Map, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	out := Map{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return out, nil
}

// String returns the value of key, or def when unset.
func String(s Store, key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Int returns the integer value of key, or def when unset or malformed.
func Int(s Store, key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Bool reports whether key is set to 1 or true.
func Bool(s Store, key string) bool {
	v, _ := s.Get(key)
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true
	}
	return false
}

// Timezone returns the configured location, falling back to UTC.
func Timezone(s Store) *time.Location {
	loc, err := time.LoadLocation(String(s, "timezone", "UTC"))
	if err != nil {
		return time.UTC
	}
	return loc
}

// TaskMaxRunTime is the upper bound for one background task run. Zero means no limit.
func TaskMaxRunTime(s Store) time.Duration {
	n := Int(s, "task_maximum_run_time", 0)
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
