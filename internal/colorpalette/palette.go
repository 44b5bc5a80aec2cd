// Package colorpalette selects Twitch chat colors: preset names for any
// account, HSL-derived hex codes for Prime/Turbo accounts. Both picks are
// pure functions over a process-seeded random source.
package colorpalette

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"strings"
	"time"
)

// Presets lists the fixed set of named colors Twitch accepts for any
// account, regardless of Prime/Turbo status.
var Presets = []string{
	"blue", "blue_violet", "cadet_blue", "chocolate", "coral",
	"dodger_blue", "firebrick", "golden_rod", "green", "hot_pink",
	"orange_red", "red", "sea_green", "spring_green", "yellow_green",
}

var rng = newSeededRand()

// newSeededRand seeds a math/rand source from crypto/rand once at process
// start, so restarts don't produce correlated sequences, without paying
// crypto/rand's cost on every pick.
func newSeededRand() *mrand.Rand {
	var seed int64
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		seed = int64(binary.BigEndian.Uint64(buf))
	} else {
		// crypto/rand is unavailable; fall back to a timestamp seed so the
		// process still starts rather than panicking.
		seed = time.Now().UnixNano()
	}
	return mrand.New(mrand.NewSource(seed))
}

// PickPreset returns a uniformly random preset name distinct from exclude
// (case-insensitive). If the palette contains only a color equal to
// exclude, exclude is returned unchanged.
func PickPreset(exclude string) string {
	exclude = strings.ToLower(strings.TrimSpace(exclude))

	candidates := make([]string, 0, len(Presets))
	for _, p := range Presets {
		if strings.ToLower(p) != exclude {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return exclude
	}
	return candidates[rng.Intn(len(candidates))]
}

// PickHex generates a #rrggbb color distinct from exclude (case-insensitive),
// retrying up to 10 times. Hue spans the full wheel; saturation and
// lightness are kept away from the grey/near-white/near-black extremes so
// the result reads as a real color on Twitch's chat UI.
func PickHex(exclude string) string {
	exclude = strings.ToLower(strings.TrimSpace(exclude))

	var candidate string
	for attempt := 0; attempt < 10; attempt++ {
		h := rng.Intn(360)
		s := 60 + rng.Intn(41)  // [60,100]
		l := 35 + rng.Intn(41)  // [35,75]
		candidate = hslToHex(h, s, l)
		if strings.ToLower(candidate) != exclude {
			return candidate
		}
	}
	return candidate
}

// hslToHex converts an HSL triple (h in [0,359], s/l in [0,100]) to a
// "#rrggbb" string.
func hslToHex(h, s, l int) string {
	hf := float64(h) / 360.0
	sf := float64(s) / 100.0
	lf := float64(l) / 100.0

	var r, g, b float64
	if sf == 0 {
		r, g, b = lf, lf, lf
	} else {
		var q float64
		if lf < 0.5 {
			q = lf * (1 + sf)
		} else {
			q = lf + sf - lf*sf
		}
		p := 2*lf - q
		r = hueToRGB(p, q, hf+1.0/3.0)
		g = hueToRGB(p, q, hf)
		b = hueToRGB(p, q, hf-1.0/3.0)
	}

	return fmt.Sprintf("#%02x%02x%02x", to255(r), to255(g), to255(b))
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	default:
		return p
	}
}

func to255(v float64) int {
	n := int(v*255 + 0.5)
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return n
}
