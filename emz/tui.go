package emz

import (
	"fmt"

	termbox "github.com/nsf/termbox-go"
)

const dashboardPageSize = 20

// dashboard is the optional terminal UI for Ecataloguz.Run: a paginated
// table of beacon_recs with Q/A/C/PageUp/PageDown/Home/End key handling.
type dashboard struct {
	events     chan termbox.Event
	page       int
	activeOnly bool
	showComment bool
}

func newDashboard() (*dashboard, error) {
	if err := termbox.Init(); err != nil {
		return nil, fmt.Errorf("emz: init terminal dashboard: %w", err)
	}
	events := make(chan termbox.Event)
	go func() {
		for {
			ev := termbox.PollEvent()
			events <- ev
			if ev.Type == termbox.EventInterrupt {
				return
			}
		}
	}()
	return &dashboard{events: events, showComment: true}, nil
}

func (d *dashboard) close() {
	termbox.Interrupt()
	termbox.Close()
}

// tick drains any pending key events, applies them, and redraws. It returns
// true if the user requested quit.
func (d *dashboard) tick(c *Ecataloguz) bool {
	for {
		select {
		case ev := <-d.events:
			if ev.Type != termbox.EventKey {
				continue
			}
			switch {
			case ev.Ch == 'q' || ev.Ch == 'Q':
				return true
			case ev.Ch == 'a' || ev.Ch == 'A':
				d.activeOnly = !d.activeOnly
			case ev.Ch == 'c' || ev.Ch == 'C':
				d.showComment = !d.showComment
			case ev.Key == termbox.KeyPgup:
				if d.page > 0 {
					d.page--
				}
			case ev.Key == termbox.KeyPgdn:
				d.page++
			case ev.Key == termbox.KeyHome:
				d.page = 0
			case ev.Key == termbox.KeyEnd:
				d.page = 1 << 30 // clamped to the last page in render
			}
		default:
			d.render(c)
			return false
		}
	}
}

func (d *dashboard) visibleKeys(c *Ecataloguz) []string {
	all := c.sortedRecordKeys()
	if !d.activeOnly {
		return all
	}
	out := make([]string, 0, len(all))
	for _, k := range all {
		if c.beaconRecs[k].endpoint != "" {
			out = append(out, k)
		}
	}
	return out
}

func (d *dashboard) render(c *Ecataloguz) {
	termbox.Clear(termbox.ColorDefault, termbox.ColorDefault)

	keys := d.visibleKeys(c)
	pages := (len(keys) + dashboardPageSize - 1) / dashboardPageSize
	if pages == 0 {
		pages = 1
	}
	if d.page >= pages {
		d.page = pages - 1
	}
	start := d.page * dashboardPageSize
	end := start + dashboardPageSize
	if end > len(keys) {
		end = len(keys)
	}

	filterLabel := "all"
	if d.activeOnly {
		filterLabel = "active only"
	}
	drawLine(0, 0, fmt.Sprintf("ecataloguz: %d records (%s), page %d/%d", len(keys), filterLabel, d.page+1, pages))
	drawLine(0, 1, "Q quit  A toggle active-only  C toggle comments  PgUp/PgDn/Home/End page")

	for i, k := range keys[start:end] {
		rec := c.beaconRecs[k]
		line := fmt.Sprintf("%s  %s", k, rec.endpoint)
		if d.showComment && rec.comment != "" {
			line += "  # " + rec.comment
		}
		drawLine(0, 3+i, line)
	}

	termbox.Flush()
}

func drawLine(x, y int, s string) {
	for i, r := range s {
		termbox.SetCell(x+i, y, r, termbox.ColorDefault, termbox.ColorDefault)
	}
}
