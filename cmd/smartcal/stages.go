package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"smartcal/internal/model"
	"smartcal/internal/pipeline"
)

var (
	inputPath   string
	icsPath     string
	icsURL      string
	timezone    string
	daysLimit   int
	useExternal bool
	query       model.Query
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Normalize an ICS file, URL or JSON import request",
	Long: `Normalize calendar input into canonical events.

Input comes from --ics (an .ics file), --ics-url (a subscription) or
--input (a JSON import request, "-" for stdin).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var in pipeline.ImportInput
		if inputPath != "" {
			if err := readJSON(inputPath, &in); err != nil {
				return err
			}
		}
		if icsPath != "" {
			body, err := readAll(icsPath)
			if err != nil {
				return err
			}
			in.RawText = string(body)
		}
		applyImportFlags(cmd, &in)

		out, err := svc.Import(cmd.Context(), in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Classify normalized events (JSON enrich request or import output)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in pipeline.EnrichInput
		if err := readJSON(inputPath, &in); err != nil {
			return err
		}
		if timezone != "" {
			in.Timezone = timezone
		}
		if cmd.Flags().Changed("external") {
			in.UseExternal = useExternal
		}
		out, err := svc.Enrich(cmd.Context(), in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Build a habit profile from enriched events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in pipeline.AnalyzeInput
		if err := readJSON(inputPath, &in); err != nil {
			return err
		}
		if timezone != "" {
			in.Timezone = timezone
		}
		out, err := svc.Analyze(cmd.Context(), in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Recommend a free slot for a new event",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in pipeline.RecommendInput
		if err := readJSON(inputPath, &in); err != nil {
			return err
		}
		if timezone != "" {
			in.Timezone = timezone
		}
		if err := applyQueryFlags(cmd, &in.Query); err != nil {
			return err
		}
		out, err := svc.Recommend(cmd.Context(), in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run import, enrich, analyze and (with --duration) recommend",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in pipeline.RunInput
		if inputPath != "" {
			if err := readJSON(inputPath, &in); err != nil {
				return err
			}
		}
		if icsPath != "" {
			body, err := readAll(icsPath)
			if err != nil {
				return err
			}
			in.RawText = string(body)
		}
		applyImportFlags(cmd, &in.ImportInput)
		if cmd.Flags().Changed("external") {
			in.UseExternal = useExternal
		}
		if cmd.Flags().Changed("duration") {
			q := model.Query{}
			if in.Query != nil {
				q = *in.Query
			}
			if err := applyQueryFlags(cmd, &q); err != nil {
				return err
			}
			in.Query = &q
		}

		out, err := svc.Run(cmd.Context(), in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	for _, c := range []*cobra.Command{importCmd, enrichCmd, analyzeCmd, recommendCmd, runCmd} {
		c.Flags().StringVarP(&inputPath, "input", "i", "", `JSON request file ("-" for stdin)`)
		c.Flags().StringVar(&timezone, "tz", "", "IANA timezone (default from config)")
	}
	for _, c := range []*cobra.Command{importCmd, runCmd} {
		c.Flags().StringVar(&icsPath, "ics", "", "Path to an .ics file")
		c.Flags().StringVar(&icsURL, "ics-url", "", "ICS subscription URL")
		c.Flags().IntVar(&daysLimit, "days", 0, "Days around the current week to keep (negative: unbounded)")
	}
	for _, c := range []*cobra.Command{enrichCmd, runCmd} {
		c.Flags().BoolVar(&useExternal, "external", false, "Use the configured external classifier")
	}
	for _, c := range []*cobra.Command{recommendCmd, runCmd} {
		c.Flags().StringVar(&query.Summary, "summary", "", "Summary of the event to place")
		c.Flags().IntVar(&query.DurationMin, "duration", 60, "Duration in minutes")
		c.Flags().StringVar((*string)(&query.Category), "category", "", "Event category")
		c.Flags().StringVar((*string)(&query.Priority), "priority", "", "regular or high")
		c.Flags().StringVar(&query.PreferredTime, "preferred", "", "morning, afternoon or evening")
	}
	enrichCmd.MarkFlagRequired("input")
	analyzeCmd.MarkFlagRequired("input")
}

func applyImportFlags(cmd *cobra.Command, in *pipeline.ImportInput) {
	if icsURL != "" {
		in.ICSURL = icsURL
	}
	if timezone != "" {
		in.Timezone = timezone
	}
	if cmd.Flags().Changed("days") {
		d := daysLimit
		in.DaysLimit = &d
	}
}

// applyQueryFlags overlays explicitly set query flags onto q.
func applyQueryFlags(cmd *cobra.Command, q *model.Query) error {
	f := cmd.Flags()
	if f.Changed("summary") {
		q.Summary = query.Summary
	}
	if f.Changed("duration") || q.DurationMin == 0 {
		q.DurationMin = query.DurationMin
	}
	if f.Changed("category") {
		c, err := model.ParseCategory(string(query.Category))
		if err != nil {
			return err
		}
		q.Category = c
	}
	if f.Changed("priority") {
		p, err := model.ParsePriority(string(query.Priority))
		if err != nil {
			return err
		}
		q.Priority = p
	}
	if f.Changed("preferred") {
		switch query.PreferredTime {
		case "morning", "afternoon", "evening":
			q.PreferredTime = query.PreferredTime
		default:
			return fmt.Errorf("unknown preferred time %q", query.PreferredTime)
		}
	}
	return nil
}

func readAll(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func readJSON(path string, v any) error {
	data, err := readAll(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
