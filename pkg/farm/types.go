package farm

import (
	"strconv"
	"time"
)

const (
	GridCols = 4
	GridRows = 4
	// MaxFields is the total number of addressable plots on the grid.
	MaxFields = GridCols * GridRows
)

// Timestamp is a server timestamp normalized to epoch milliseconds.
// The wire encoding may be epoch seconds, epoch milliseconds or an
// ISO-8601 string; all three decode to the same value. Zero means
// absent or unparseable.
type Timestamp int64

// epochMsThreshold separates epoch-seconds from epoch-milliseconds values.
const epochMsThreshold = 1e12

func (t Timestamp) IsZero() bool {
	return t <= 0
}

func (t Timestamp) Milliseconds() int64 {
	return int64(t)
}

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// UnmarshalJSON decodes a timestamp in any supported encoding. Malformed
// values decode to zero rather than failing the enclosing document.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	*t = parseTimestampBytes(b)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(int64(t), 10)), nil
}

func parseTimestampBytes(b []byte) Timestamp {
	s := string(b)
	if s == "null" || s == `""` || s == "" {
		return 0
	}
	if s[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return 0
		}
		return parseTimestampString(unquoted)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return normalizeEpoch(f)
}

func parseTimestampString(s string) Timestamp {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return Timestamp(parsed.UnixMilli())
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return normalizeEpoch(f)
	}
	return 0
}

// normalizeEpoch treats values below 1e12 as epoch seconds.
func normalizeEpoch(v float64) Timestamp {
	if v <= 0 {
		return 0
	}
	if v < epochMsThreshold {
		return Timestamp(v * 1000)
	}
	return Timestamp(v)
}

// Plot is one farmable grid cell. An empty CropKey means the plot is fallow.
type Plot struct {
	Index           int       `json:"idx"`
	CropKey         string    `json:"crop_key,omitempty"`
	Stage           string    `json:"stage,omitempty"`
	ReadyAtUnixMs   Timestamp `json:"ready_at_unix_ms,omitempty"`
	RemainingMs     int64     `json:"remaining_ms,omitempty"`
	PlantedAtISO    Timestamp `json:"planted_at_iso,omitempty"`
	PlantedAtUnixMs Timestamp `json:"planted_at_unix_ms,omitempty"`
}

func (p Plot) Empty() bool {
	return p.CropKey == ""
}

// PlantedAt returns the planting timestamp, preferring the numeric encoding.
func (p Plot) PlantedAt() Timestamp {
	if !p.PlantedAtUnixMs.IsZero() {
		return p.PlantedAtUnixMs
	}
	return p.PlantedAtISO
}

// Snapshot is the authoritative game state as last reported by the server.
// Plots is nil when the server omitted the collection from a partial response.
type Snapshot struct {
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	Balance       int       `json:"balance"`
	FieldsOwned   int       `json:"fields_owned"`
	IsBlocked     bool      `json:"is_blocked,omitempty"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
	Plots         []Plot    `json:"plots,omitempty"`
	ActionNonce   string    `json:"action_nonce,omitempty"`
	NonceExpiry   string    `json:"nonce_expiry,omitempty"`
	ServerTimeMs  Timestamp `json:"server_time_unix_ms,omitempty"`
	ServerTimeISO Timestamp `json:"server_time_iso,omitempty"`
}

// ServerTime returns the snapshot's server timestamp, preferring the
// numeric encoding over the ISO fallback.
func (s *Snapshot) ServerTime() Timestamp {
	if !s.ServerTimeMs.IsZero() {
		return s.ServerTimeMs
	}
	return s.ServerTimeISO
}

// Name returns the best display name for the player.
func (s *Snapshot) Name() string {
	for _, name := range []string{s.DisplayName, s.FirstName, s.Username} {
		if name != "" {
			return name
		}
	}
	return "Player"
}

// Plot returns the plot at the given index, if present in the snapshot.
func (s *Snapshot) Plot(index int) (Plot, bool) {
	for _, p := range s.Plots {
		if p.Index == index {
			return p, true
		}
	}
	return Plot{}, false
}

// PlusIndex returns the index of the "buy another plot" affordance,
// or -1 when the grid is full.
func (s *Snapshot) PlusIndex() int {
	if s.FieldsOwned < MaxFields {
		return s.FieldsOwned
	}
	return -1
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Plots != nil {
		clone.Plots = make([]Plot, len(s.Plots))
		copy(clone.Plots, s.Plots)
	}
	return &clone
}

// InventoryItem is one stack of items in the player's inventory.
type InventoryItem struct {
	ItemKey string `json:"item_key"`
	Qty     int    `json:"qty"`
}
