// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package options

import "time"

// Duration converts an option value to a time.Duration. Integers and floats
// are seconds, strings are parsed with time.ParseDuration.
func Duration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, ErrInvalidValue
		}
		return d, nil
	}
	return 0, ErrInvalidValue
}

// PositiveDuration is Duration for values that must be larger than zero
func PositiveDuration(value interface{}) (time.Duration, error) {
	d, err := Duration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, ErrInvalidValue
	}
	return d, nil
}

// Float converts an option value to a float64
func Float(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, ErrInvalidValue
}

// AsBundle converts an option value to a *Bundle
func AsBundle(value interface{}) (*Bundle, error) {
	if b, ok := value.(*Bundle); ok && b != nil {
		return b, nil
	}
	return nil, ErrInvalidValue
}
