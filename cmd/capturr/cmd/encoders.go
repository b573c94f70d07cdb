package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/capturr/internal/encoder"
	"github.com/jmylchreest/capturr/internal/ffmpeg"
)

var encodersCmd = &cobra.Command{
	Use:   "encoders",
	Short: "List the H.264 encoders ffmpeg offers",
	Long: `List every H.264 encoder capturr knows in priority order, whether the
installed ffmpeg provides it, and which one a recording would use.`,
	Args: cobra.NoArgs,
	RunE: runEncoders,
}

func init() {
	rootCmd.AddCommand(encodersCmd)
	encodersCmd.Flags().StringP("output", "o", "table", "output format (table, json, yaml)")
}

type encoderListing struct {
	FFmpeg     string              `json:"ffmpeg" yaml:"ffmpeg"`
	Selected   string              `json:"selected" yaml:"selected"`
	Candidates []encoder.Candidate `json:"candidates" yaml:"candidates"`
}

func runEncoders(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	detector := ffmpeg.NewBinaryDetector(viper.GetString("ffmpeg.binary_path"))
	info, err := detector.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}

	selector := encoder.NewSelector(detector, slog.Default())
	candidates, err := selector.Candidates(ctx)
	if err != nil {
		return err
	}
	selected, err := selector.SelectBestEncoder(ctx, viper.GetString("recording.preferred_encoder"))
	if err != nil {
		return err
	}

	listing := encoderListing{FFmpeg: info.Version, Selected: selected, Candidates: candidates}
	out := cmd.OutOrStdout()

	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	case "yaml":
		return yaml.NewEncoder(out).Encode(listing)
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	rows := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		kind := "software"
		if c.Hardware {
			kind = "hardware"
		}
		mark := ""
		if c.ID == selected {
			mark = "*"
		}
		rows = append(rows, []string{strconv.Itoa(c.Priority), c.ID, kind, strconv.FormatBool(c.Available), mark})
	}
	fmt.Fprintf(out, "ffmpeg %s (%s)\n", info.Version, info.Path)
	fmt.Fprintln(out, renderTable(
		[]string{"PRIORITY", "ENCODER", "TYPE", "AVAILABLE", "SELECTED"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	))
	return nil
}
