package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"userscriptd/internal/config"
)

// Duration encodes as a Go duration string. Decoding also accepts a bare
// number of milliseconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		if v < 0 {
			return fmt.Errorf("duration must be >= 0")
		}
		*d = Duration(time.Duration(v) * time.Millisecond)
	case string:
		parsed, err := config.ParseDurationField("duration", v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}
