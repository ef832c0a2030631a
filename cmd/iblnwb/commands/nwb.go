package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/iblnwb/pkg/inspect"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb2alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
	"github.com/Sumatoshi-tech/iblnwb/pkg/persist"
)

// Output formats of structured results.
const (
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	// ErrUnknownFormat indicates an output format other than json or yaml.
	ErrUnknownFormat = errors.New("unknown output format")
	// ErrMismatch indicates an NWB file that does not match Alyx.
	ErrMismatch = errors.New("nwb file does not match alyx")
)

func codecFor(format string) (persist.Codec, error) {
	switch format {
	case formatJSON:
		return persist.NewJSONCodec(), nil
	case formatYAML:
		return persist.NewYAMLCodec(), nil
	default:
		return nil, fmt.Errorf("%w: %q (use json or yaml)", ErrUnknownFormat, format)
	}
}

// writeStructured encodes value to path, or to w when path is empty.
func writeStructured(w io.Writer, path, format string, value any) error {
	if path != "" {
		return persist.SaveFile(path, persist.CodecFor(path), value)
	}

	codec, err := codecFor(format)
	if err != nil {
		return err
	}

	return codec.Encode(w, value)
}

func newExtractCommand(g *Globals) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "extract <file.nwb>",
		Short: "Read the Alyx records of an NWB file",
		Long: `Read the subject, session, weighings, water administrations, probe
insertions and dataset types an NWB file describes, as Alyx records.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			return a.observe(cmd.Context(), "extract", func(context.Context) error {
				rec, extractErr := nwb2alyx.Extract(args[0], nwb.WithReadLogger(a.logger))
				if extractErr != nil {
					return extractErr
				}

				return writeStructured(cmd.OutOrStdout(), output, format, rec)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "Output format: json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file; the extension picks the format")

	return cmd
}

func newRegisterCommand(g *Globals) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "register <file.nwb>",
		Short: "Create the Alyx records of an NWB file",
		Long: `Create the records an NWB file describes on Alyx: the subject when it
does not exist yet, with its weighings and water administrations, then the
session and the NWB file as a dataset of the session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()

			return a.observe(cmd.Context(), "register", func(ctx context.Context) error {
				rec, extractErr := nwb2alyx.Extract(args[0], nwb.WithReadLogger(a.logger))
				if extractErr != nil {
					return extractErr
				}

				if dryRun {
					return writeStructured(out, "", formatJSON, rec)
				}

				client, clientErr := a.alyxClient()
				if clientErr != nil {
					return clientErr
				}

				reg, regErr := nwb2alyx.Register(ctx, client, rec, nwb2alyx.RegisterOptions{File: args[0], Logger: a.logger})
				if regErr != nil {
					return regErr
				}

				success(out, "✓ session %s registered for %s", reg.Session, reg.Subject)

				if reg.SubjectCreated {
					success(out, "  subject created with %d weighings and %d water administrations",
						len(reg.Weighings), len(reg.WaterAdministrations))
				}

				if reg.Dataset != "" {
					success(out, "  dataset %s", reg.Dataset)
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the records instead of creating them")

	return cmd
}

func newVerifyCommand(g *Globals) *cobra.Command {
	var unified bool

	cmd := &cobra.Command{
		Use:   "verify <eid> <file.nwb>",
		Short: "Compare an NWB file with Alyx",
		Long: `Compare the records read back from an NWB file with those Alyx holds for
the session. Only fields a conversion carries are compared. Exits non-zero
when anything differs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			return a.observe(cmd.Context(), "verify", func(ctx context.Context) error {
				client, clientErr := a.alyxClient()
				if clientErr != nil {
					return clientErr
				}

				expected, alyxErr := nwb2alyx.FromAlyx(ctx, client, args[0])
				if alyxErr != nil {
					return alyxErr
				}

				actual, extractErr := nwb2alyx.Extract(args[1], nwb.WithReadLogger(a.logger))
				if extractErr != nil {
					return extractErr
				}

				report, diffErr := nwb2alyx.Diff(expected, actual)
				if diffErr != nil {
					return diffErr
				}

				return printDiff(cmd.OutOrStdout(), args[0], report, unified)
			})
		},
	}

	cmd.Flags().BoolVar(&unified, "diff", false, "Print a unified diff of the compared records")

	return cmd
}

func printDiff(w io.Writer, eid string, report *nwb2alyx.DiffReport, unified bool) error {
	if report.Equal() {
		success(w, "✓ %s matches alyx", eid)

		return nil
	}

	failure(w, "✗ %s differs from alyx", eid)

	for _, f := range report.Fields {
		warning(w, "  %s: alyx %s, file %s", f.Field, f.Expected, f.Actual)
	}

	for _, ds := range report.MissingDatasets {
		warning(w, "  dataset %s is not registered", ds)
	}

	if unified && report.Unified != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, report.Unified)
	}

	return fmt.Errorf("%w: %d fields, %d datasets", ErrMismatch, len(report.Fields), len(report.MissingDatasets))
}

func newInspectCommand(g *Globals) *cobra.Command {
	var htmlPath string

	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <file.nwb>",
		Short: "Summarize an NWB file",
		Long: `Print the session header, probes, unit and trial counts and the data
objects of an NWB file. --html writes an interactive report with units per
probe, the firing rate distribution and trial outcomes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			return a.observe(cmd.Context(), "inspect", func(context.Context) error {
				summary, sumErr := inspect.SummarizeFile(args[0], nwb.WithReadLogger(a.logger))
				if sumErr != nil {
					return sumErr
				}

				if htmlPath != "" {
					htmlErr := writeHTML(htmlPath, summary)
					if htmlErr != nil {
						return htmlErr
					}

					success(cmd.ErrOrStderr(), "report written to %s", htmlPath)
				}

				if asJSON {
					return writeStructured(cmd.OutOrStdout(), "", formatJSON, summary)
				}

				return inspect.RenderTable(cmd.OutOrStdout(), summary)
			})
		},
	}

	cmd.Flags().StringVar(&htmlPath, "html", "", "Write an HTML report to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")

	return cmd
}

func writeHTML(path string, summary *inspect.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}

	renderErr := inspect.RenderHTML(f, summary)
	closeErr := f.Close()

	return errors.Join(renderErr, closeErr)
}
