package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ashuang/camunits-sub002/chain"
	"github.com/ashuang/camunits-sub002/eventloop"
	"github.com/ashuang/camunits-sub002/units/gstreamer"
	"github.com/ashuang/camunits-sub002/units/mqtt"
	"github.com/ashuang/camunits-sub002/units/snapshot"
	"github.com/ashuang/camunits-sub002/units/wsrelay"
)

// reportStats periodically prints loop and unit statistics.
func reportStats(ctx context.Context, interval time.Duration, c *chain.Chain, loop *eventloop.Loop) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(os.Stdout, time.Since(start), c, loop)
		}
	}
}

func printLiveStats(w io.Writer, uptime time.Duration, c *chain.Chain, loop *eventloop.Loop) {
	ls := loop.Stats()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╭─────────────────────────────────────────────────────────────────╮")
	fmt.Fprintf(w, "│ Chain Statistics (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	fmt.Fprintln(w, "│ Event Loop:")
	fmt.Fprintf(w, "│   Frames Delivered:   %6d frames\n", ls.Frames)
	fmt.Fprintf(w, "│   Delivery Rate:      %6.2f fps\n", rate(ls.Frames, uptime))
	fmt.Fprintf(w, "│   Ticks / Wakes:      %6d / %d\n", ls.Ticks, ls.Wakes)
	fmt.Fprintf(w, "│   Pump Errors:        %6d\n", ls.Errors)
	fmt.Fprintln(w, "│")
	fmt.Fprintln(w, "│ Units:")
	for _, u := range c.Units() {
		fmt.Fprintf(w, "│   %-24s %-10s %s\n", u.ID(), u.State(), unitStats(u.Handler()))
	}
	fmt.Fprintln(w, "╰─────────────────────────────────────────────────────────────────╯")
	fmt.Fprintln(w)
}

func printFinalStats(w io.Writer, uptime time.Duration, c *chain.Chain, loop *eventloop.Loop) {
	ls := loop.Stats()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                     Final Statistics                         ")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "  Uptime:                %v\n", uptime.Round(time.Second))
	fmt.Fprintf(w, "  Frames Delivered:      %d frames\n", ls.Frames)
	fmt.Fprintf(w, "  Average Rate:          %.2f fps\n", rate(ls.Frames, uptime))
	fmt.Fprintf(w, "  Pump Errors:           %d\n", ls.Errors)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Unit Summary:")
	for _, u := range c.Units() {
		if s := unitStats(u.Handler()); s != "" {
			fmt.Fprintf(w, "    %-24s: %s\n", u.ID(), s)
		}
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)
}

// unitStats formats the counters of the built-in units that keep them.
func unitStats(h any) string {
	switch h := h.(type) {
	case *gstreamer.Source:
		s := h.Stats()
		return fmt.Sprintf("%d frames, %d reconnects, %d drops (%.1f%%)",
			s.Frames, s.Reconnects, s.Mailbox.Drops, dropRate(s.Mailbox.Arrivals, s.Mailbox.Drops))
	case *mqtt.Subscriber:
		s := h.Stats()
		return fmt.Sprintf("connected=%v, %d received, %d rejected, %d drops",
			s.Connected, s.Mailbox.Arrivals, s.Rejected, s.Mailbox.Drops)
	case *mqtt.Publisher:
		s := h.Stats()
		return fmt.Sprintf("connected=%v, %d published, %d errors (%.1f%%)",
			s.Connected, s.Published, s.Errors, dropRate(s.Published+s.Errors, s.Errors))
	case *snapshot.Saver:
		saved, dropped := h.Stats()
		return fmt.Sprintf("%d saved, %d drops (%.1f%%)", saved, dropped, dropRate(saved+dropped, dropped))
	case *wsrelay.Relay:
		return fmt.Sprintf("%d sent", h.Sent())
	}
	return ""
}

// dropRate returns drops as a percentage of total.
func dropRate(total, drops uint64) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(drops) / float64(total) * 100.0
}

func rate(n uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
