package gateway

import (
	"strconv"
	"strings"
	"time"
)

// Epoch is the platform epoch, milliseconds since which snowflake timestamps
// count.
const Epoch = 1420070400000 * int64(time.Millisecond)

// Snowflake is a platform entity ID. The wire format is a quoted decimal
// string.
type Snowflake uint64

// NullSnowflake is the zero, invalid snowflake.
const NullSnowflake Snowflake = 0

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// IsValid reports whether the snowflake is non-zero.
func (s Snowflake) IsValid() bool {
	return s != 0
}

// Time returns the creation time encoded in the snowflake.
func (s Snowflake) Time() time.Time {
	unixNano := int64(s>>22)*int64(time.Millisecond) + Epoch
	return time.Unix(0, unixNano)
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Snowflake) UnmarshalJSON(b []byte) error {
	body := strings.Trim(string(b), `"`)
	if body == "null" || body == "" {
		*s = NullSnowflake
		return nil
	}

	u, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		return err
	}

	*s = Snowflake(u)
	return nil
}
