package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GetString will get the string for k or return the default d if not found
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice will get the slice of strings for k or return the default d
// if not found or invalid. A single scalar is read as a one element slice.
func (c *C) GetStringSlice(k string, d []string) []string {
	switch r := c.Get(k).(type) {
	case nil:
		return d
	case []any:
		v := make([]string, len(r))
		for i := range r {
			v[i] = fmt.Sprintf("%v", r[i])
		}
		return v
	case map[string]any:
		return d
	default:
		return []string{fmt.Sprintf("%v", r)}
	}
}

// GetMap will get the map for k or return the default d if not found or invalid
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	v, ok := c.Get(k).(map[string]any)
	if !ok {
		return d
	}

	return v
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	v, err := c.RequireInt(k)
	if err != nil {
		return d
	}

	return v
}

// RequireInt returns the int at k or an error naming the key if it is missing
// or not a number.
func (c *C) RequireInt(k string) (int, error) {
	r := c.Get(k)
	if r == nil {
		return 0, fmt.Errorf("%s is required", k)
	}

	v, err := strconv.Atoi(fmt.Sprintf("%v", r))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %v", k, r)
	}

	return v, nil
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

func (c *C) Get(k string) any {
	return get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return get(k, c.Settings) != nil
}

// get walks the dotted path k through nested maps.
func get(k string, v any) any {
	for p := range strings.SplitSeq(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}
