package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"call-insights-go/internal/dataset"
	"call-insights-go/internal/types"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// open migrates as part of connecting.
			a, err := open(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s database\n", a.cfg.Database.Driver)
			return nil
		},
	}
}

func newSubmitBatchCmd(configPath *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "submit-batch <spreadsheet.xlsx>",
		Short: "Queue every recording URL listed in a spreadsheet",
		Long: `Reads the first sheet of the workbook, finds the audio URL column by its
header (audio, recording, url or "call link") and submits one job per row.
Rows without an http(s) URL are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmitBatch(cmd, *configPath, args[0], dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the rows that would be submitted without creating jobs")
	return cmd
}

func runSubmitBatch(cmd *cobra.Command, configPath, path string, dryRun bool) error {
	out := cmd.OutOrStdout()
	batch, err := dataset.Load(path)
	if err != nil {
		return err
	}
	for _, row := range batch.Skipped {
		fmt.Fprintf(out, "row %d: skipped (no audio URL)\n", row)
	}
	if dryRun {
		for _, c := range batch.Calls {
			fmt.Fprintf(out, "row %d: %s (%s)\n", c.Row, c.AudioURL, c.Filename)
		}
		fmt.Fprintf(out, "%d recordings found\n", len(batch.Calls))
		return nil
	}

	a, err := open(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	submitted := 0
	for _, c := range batch.Calls {
		id, err := a.machine.Submit(cmd.Context(), c.AudioURL, c.Filename)
		if err != nil {
			return fmt.Errorf("row %d: %w", c.Row, err)
		}
		submitted++
		fmt.Fprintf(out, "row %d: job %s\n", c.Row, id)
	}
	fmt.Fprintf(out, "Submitted %d jobs from %s\n", submitted, path)
	return nil
}

func newJobCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Print a job with its results as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			job, err := a.machine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newExportCmd(configPath *string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a job and its sentiment results to an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			job, err := a.machine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("job-%s.xlsx", job.ID)
			}
			if err := exportFile(output, job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default job-<id>.xlsx)")
	return cmd
}

func exportFile(path string, job *types.Job) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := dataset.Export(f, job); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
