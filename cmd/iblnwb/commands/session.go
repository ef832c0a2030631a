package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/iblnwb/pkg/catalog"
	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
)

func newMetadataCommand(g *Globals) *cobra.Command {
	var output, override string

	cmd := &cobra.Command{
		Use:   "metadata <eid>",
		Short: "Show or save the NWB metadata of a session",
		Long: `Map the Alyx records of a session to NWB metadata and print it as YAML.
Edit a saved copy and pass it to convert --metadata to override fields.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("metadata") {
				a.cfg.Conversion.Metadata = override
			}

			cf := &conversionFlags{}

			cs, err := a.converter(cf.options(a.cfg.Conversion), nil)
			if err != nil {
				return err
			}
			defer cs.close()

			return a.observe(cmd.Context(), "metadata", func(ctx context.Context) error {
				md, mdErr := cs.converter.Metadata(ctx, args[0])
				if mdErr != nil {
					return mdErr
				}

				if output == "" {
					return writeStructured(cmd.OutOrStdout(), "", formatYAML, md)
				}

				saveErr := metadata.Save(output, md)
				if saveErr != nil {
					return saveErr
				}

				success(cmd.ErrOrStderr(), "metadata written to %s", output)

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "out", "o", "", "Save to this file (.yaml or .json)")
	cmd.Flags().StringVarP(&override, "metadata", "m", "", "YAML metadata merged over the Alyx metadata")

	return cmd
}

func newStatusCommand(g *Globals) *cobra.Command {
	var (
		eid    string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List recorded conversions",
		Long: `List the conversions recorded in the catalog, most recent first, and
count sessions by the outcome of their latest conversion.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(g, observability.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			cat, err := catalog.Open(a.cfg.Catalog.Path)
			if err != nil {
				return err
			}
			defer cat.Close()

			return a.observe(cmd.Context(), "status", func(ctx context.Context) error {
				convs, listErr := cat.Conversions(ctx, catalog.Filter{EID: eid, Status: catalog.Status(status), Limit: limit})
				if listErr != nil {
					return listErr
				}

				counts, sumErr := cat.Summary(ctx)
				if sumErr != nil {
					return sumErr
				}

				renderStatus(cmd.OutOrStdout(), convs, counts)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eid, "eid", "", "Only this session")
	cmd.Flags().StringVar(&status, "status", "", "Only this outcome: succeeded, partial or failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Show at most this many conversions (0 = all)")

	return cmd
}

func renderStatus(w io.Writer, convs []catalog.Conversion, counts map[catalog.Status]int) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "no conversions recorded")

		return
	}

	tbl := newTable()
	tbl.AppendHeader(table.Row{"finished", "eid", "subject", "status", "failures", "size", "took", "path"})

	for _, c := range convs {
		tbl.AppendRow(table.Row{
			humanize.Time(c.FinishedAt),
			c.EID,
			c.Subject,
			colorStatus(c.Status),
			c.Failures,
			humanize.IBytes(uint64(max(c.Bytes, 0))),
			c.Duration.Round(time.Millisecond),
			c.Path,
		})
	}

	tbl.AppendFooter(table.Row{"", fmt.Sprintf("%d sessions", counts[catalog.StatusSucceeded]+counts[catalog.StatusPartial]+counts[catalog.StatusFailed]),
		"", fmt.Sprintf("%d ok, %d partial, %d failed", counts[catalog.StatusSucceeded], counts[catalog.StatusPartial], counts[catalog.StatusFailed])})

	fmt.Fprintln(w, tbl.Render())
}

func colorStatus(s catalog.Status) string {
	switch s {
	case catalog.StatusSucceeded:
		return successColor.Sprint(s)
	case catalog.StatusPartial:
		return warningColor.Sprint(s)
	default:
		return failureColor.Sprint(s)
	}
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
