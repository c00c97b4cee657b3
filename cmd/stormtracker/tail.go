package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/couchcryptid/storm-stream-client/internal/state"
)

// tailRenderer prints one line per region state change.
type tailRenderer struct {
	mu      sync.Mutex
	w       io.Writer
	region  func(a ...any) string
	removed func(a ...any) string
	wind    func(a ...any) string
}

func newTailRenderer(w io.Writer) *tailRenderer {
	return &tailRenderer{
		w:       w,
		region:  color.New(color.FgCyan, color.Bold).SprintFunc(),
		removed: color.New(color.FgRed).SprintFunc(),
		wind:    color.New(color.FgYellow).SprintFunc(),
	}
}

func (t *tailRenderer) Observe(c state.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tag := t.region("[" + c.Region + "]")
	if c.Removed {
		fmt.Fprintf(t.w, "%s %s\n", tag, t.removed("stopped"))
		return
	}

	u := c.Update
	fmt.Fprintf(t.w, "%s temp=%.1f°C humidity=%.0f%% wind=%s at (%.2f, %.2f) %s\n",
		tag, u.Temp, u.Humidity, t.wind(fmt.Sprintf("%.0fkm/h", u.WindKmh)), u.Lat, u.Lon, u.Timestamp)
}
