package inspect

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderTable writes the summary as terminal tables.
func RenderTable(w io.Writer, s *Summary) error {
	var sb strings.Builder

	header := newTable()
	header.AppendRows([]table.Row{
		{"identifier", s.Header.Identifier},
		{"session", s.Header.SessionID},
		{"start", s.Header.SessionStartTime},
		{"description", s.Header.SessionDescription},
		{"lab", strings.TrimSpace(s.Header.Lab + " " + s.Header.Institution)},
		{"subject", strings.TrimSpace(fmt.Sprintf("%s %s %s %s", s.Header.Subject, s.Header.Sex, s.Header.Species, s.Header.Age))},
		{"nwb", s.Header.NWBVersion},
	})

	if s.Size > 0 {
		header.AppendRow(table.Row{"size", humanize.IBytes(uint64(s.Size))})
	}

	if len(s.Modalities) > 0 {
		header.AppendRow(table.Row{"modalities", strings.Join(s.Modalities, "+")})
	}

	sb.WriteString(header.Render())
	sb.WriteString("\n\n")

	counts := newTable()
	counts.AppendHeader(table.Row{"units", "trials", "electrodes", "probes", "objects"})
	counts.AppendRow(table.Row{
		humanize.Comma(int64(s.Units)),
		humanize.Comma(int64(s.Trials)),
		humanize.Comma(int64(s.Electrodes)),
		len(s.Probes),
		len(s.Objects),
	})
	sb.WriteString(counts.Render())

	if len(s.Probes) > 0 {
		probes := newTable()
		probes.AppendHeader(table.Row{"probe", "location", "electrodes", "units", "spikes", "mean rate (Hz)"})

		for _, p := range s.Probes {
			probes.AppendRow(table.Row{
				p.Name, p.Location, p.Electrodes, humanize.Comma(int64(p.Units)),
				humanize.Comma(int64(p.Spikes)), fmt.Sprintf("%.2f", p.MeanRate),
			})
		}

		sb.WriteString("\n\nProbes:\n")
		sb.WriteString(probes.Render())
	}

	if len(s.TrialOutcomes) > 0 {
		outcomes := newTable()
		outcomes.AppendHeader(table.Row{"outcome", "trials"})

		for _, k := range sortedKeys(s.TrialOutcomes) {
			outcomes.AppendRow(table.Row{k, s.TrialOutcomes[k]})
		}

		sb.WriteString("\n\nTrial outcomes:\n")
		sb.WriteString(outcomes.Render())
	}

	if len(s.Objects) > 0 {
		objects := newTable()
		objects.AppendHeader(table.Row{"path", "type"})

		for _, o := range s.Objects {
			objects.AppendRow(table.Row{o.Path, o.Type})
		}

		objects.AppendFooter(table.Row{fmt.Sprintf("Total: %d objects", len(s.Objects))})

		sb.WriteString("\n\nObjects:\n")
		sb.WriteString(objects.Render())
	}

	if len(s.Unread) > 0 {
		sb.WriteString("\n\nUnread:\n")

		for _, p := range s.Unread {
			sb.WriteString("  " + p + "\n")
		}
	}

	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	return nil
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	return tbl
}
