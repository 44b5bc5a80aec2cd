package colorpalette

import (
	"strings"
	"testing"
)

func TestPickPresetExcludesGiven(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := PickPreset("Red")
		if strings.EqualFold(got, "red") {
			t.Fatalf("PickPreset returned excluded color: %s", got)
		}
	}
}

func TestPickPresetExhaustedPaletteReturnsExclude(t *testing.T) {
	saved := Presets
	Presets = []string{"Red"}
	defer func() { Presets = saved }()

	got := PickPreset("red")
	if !strings.EqualFold(got, "red") {
		t.Fatalf("expected exclude to be returned when palette exhausted, got %s", got)
	}
}

func TestPickHexFormat(t *testing.T) {
	got := PickHex("")
	if len(got) != 7 || got[0] != '#' {
		t.Fatalf("unexpected hex format: %q", got)
	}
}

func TestPickHexExcludesGivenWhenPossible(t *testing.T) {
	exclude := PickHex("")
	for i := 0; i < 20; i++ {
		got := PickHex(exclude)
		if got != exclude {
			return
		}
	}
	// Retries are bounded at 10, so a single clash is possible, but 20
	// calls in a row all returning the excluded color is vanishingly rare.
	t.Fatalf("PickHex kept returning excluded color %s across retries", exclude)
}

func TestPickHexNeverHangs(t *testing.T) {
	// Boundary: must return a value without looping forever even if every
	// retry collides.
	done := make(chan struct{})
	go func() {
		PickHex("#000000")
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done
}
