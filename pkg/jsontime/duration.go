// Package jsontime lets JSON configs spell durations the way people write
// them ("500ms", "30s") while still accepting a plain count of nanoseconds.
package jsontime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string, an integer count of nanoseconds or
// null. null leaves d untouched.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}

		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("jsontime: %w", err)
		}
		*d = Duration(parsed)

		return nil
	}

	nanos, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("jsontime: duration %s is neither a string nor nanoseconds", data)
	}
	*d = Duration(nanos)

	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
