package crops

import (
	"fmt"
	"strings"
	"time"

	"github.com/sashagrib/minifarm/pkg/clock"
	"github.com/sashagrib/minifarm/pkg/farm"
)

// Growth durations per crop in milliseconds. These are display
// configuration shared out-of-band with the server: the server remains
// the sole arbiter of actual harvest eligibility and re-validates
// readiness on every harvest request.
var Durations = map[string]time.Duration{
	"wheat":      120000 * time.Millisecond,
	"carrot":     144000 * time.Millisecond,
	"watermelon": 172800 * time.Millisecond,
	"pumpkin":    207360 * time.Millisecond,
	"onion":      248832 * time.Millisecond,
}

// Growth stages in order, as fractions of the total duration.
const (
	StageSprout = "sprout"
	StageYoung  = "young"
	StageMature = "mature"
	StageReady  = "ready"
)

var stageRatios = []struct {
	stage string
	ratio float64
}{
	{StageSprout, 0.167},
	{StageYoung, 0.333},
	{StageMature, 0.5},
}

// Duration returns the total growth duration for a crop.
func Duration(cropKey string) (time.Duration, bool) {
	d, ok := Durations[cropKey]
	return d, ok
}

// SeedFor returns the shop item key for a crop's seeds.
func SeedFor(cropKey string) string {
	return "seed_" + cropKey
}

// HarvestFor returns the inventory item key for a crop's harvest.
func HarvestFor(cropKey string) string {
	return "crop_" + cropKey
}

// CropForSeed maps a seed item key back to its crop, if it is one.
func CropForSeed(itemKey string) (string, bool) {
	cropKey, ok := strings.CutPrefix(itemKey, "seed_")
	if !ok {
		return "", false
	}
	_, known := Durations[cropKey]
	return cropKey, known
}

// Calculator derives plot readiness from the static duration table and
// the server-aligned clock.
type Calculator struct {
	clock *clock.ServerClock
}

func NewCalculator(c *clock.ServerClock) *Calculator {
	return &Calculator{clock: c}
}

// ReadyAt returns the absolute server time in epoch milliseconds at which
// the plot becomes harvestable. ok is false when the plot has no crop, the
// crop is unknown, or the planted timestamp is unparseable.
func (c *Calculator) ReadyAt(p farm.Plot) (int64, bool) {
	if p.Empty() {
		return 0, false
	}
	duration, ok := Durations[p.CropKey]
	if !ok {
		return 0, false
	}
	planted := p.PlantedAt()
	if planted.IsZero() {
		return 0, false
	}
	return planted.Milliseconds() + duration.Milliseconds(), true
}

// Remaining returns the time left before the plot is harvestable, clamped
// at zero, under the same indeterminacy conditions as ReadyAt.
func (c *Calculator) Remaining(p farm.Plot) (time.Duration, bool) {
	readyAt, ok := c.ReadyAt(p)
	if !ok {
		return 0, false
	}
	remaining := readyAt - c.clock.NowMs()
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Millisecond, true
}

// Stage returns the growth stage derived from the elapsed fraction of the
// plot's growth duration.
func (c *Calculator) Stage(p farm.Plot) (string, bool) {
	readyAt, ok := c.ReadyAt(p)
	if !ok {
		return "", false
	}
	now := c.clock.NowMs()
	if now >= readyAt {
		return StageReady, true
	}
	duration := Durations[p.CropKey].Milliseconds()
	elapsed := now - p.PlantedAt().Milliseconds()
	for _, s := range stageRatios {
		if elapsed < int64(float64(duration)*s.ratio) {
			return s.stage, true
		}
	}
	return StageMature, true
}

// StageAt is the pure form of Stage used by the server: the growth stage
// for a crop planted at plantedMs, observed at nowMs.
func StageAt(cropKey string, plantedMs, nowMs int64) (string, bool) {
	duration, ok := Durations[cropKey]
	if !ok {
		return "", false
	}
	if nowMs >= plantedMs+duration.Milliseconds() {
		return StageReady, true
	}
	elapsed := nowMs - plantedMs
	for _, s := range stageRatios {
		if elapsed < int64(float64(duration.Milliseconds())*s.ratio) {
			return s.stage, true
		}
	}
	return StageMature, true
}

// FormatRemaining renders a countdown as m:ss, or Ns under one minute.
// Sub-second remainders round up so the display never shows 0 early.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64((d + time.Second - 1) / time.Second)
	minutes := seconds / 60
	if minutes > 0 {
		return fmt.Sprintf("%d:%02d", minutes, seconds%60)
	}
	return fmt.Sprintf("%ds", seconds)
}
