package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/capturr/internal/hls"
	"github.com/jmylchreest/capturr/internal/signing"
)

// errVerificationFailed makes the command exit non-zero without repeating the report.
var errVerificationFailed = errors.New("verification failed: segment hash mismatch")

var verifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the signatures of recorded sessions",
	Long: `Verify recomputes the hash of every signed segment and compares it with
the signature artifact, lists runs of unsigned segments, unparseable or orphan
artifacts, segments that are not valid MPEG-TS, and sids that disagree.

path is either a session directory or a media root containing session
directories. It defaults to recording.media_root.

The command exits with status 1 when any signed segment does not match.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringP("output", "o", "table", "output format (table, json, yaml)")
	verifyCmd.Flags().Bool("skip-probe", false, "skip the MPEG-TS structure check")
	verifyCmd.Flags().String("salt-prefix", "", "salt prefix used when signing (default from signing.salt_prefix)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	path := viper.GetString("recording.media_root")
	if len(args) == 1 {
		path = args[0]
	}

	output, _ := cmd.Flags().GetString("output")
	skipProbe, _ := cmd.Flags().GetBool("skip-probe")
	opts := signing.VerifyOptions{
		SaltPrefix: viper.GetString("signing.salt_prefix"),
		SkipProbe:  skipProbe,
	}
	if cmd.Flags().Changed("salt-prefix") {
		opts.SaltPrefix, _ = cmd.Flags().GetString("salt-prefix")
	}

	ctx := cmd.Context()

	var report *signing.RootReport
	if isSessionDir(path) {
		r, err := signing.Verify(ctx, path, opts)
		if err != nil {
			return err
		}
		report = &signing.RootReport{Root: path, Sessions: []*signing.Report{r}, SIDs: r.SIDs}
	} else {
		r, err := signing.VerifyRoot(ctx, path, opts)
		if err != nil {
			return err
		}
		report = r
	}

	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
	case "table":
		writeReportTable(out, report)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	if !report.OK() {
		return errVerificationFailed
	}
	return nil
}

// isSessionDir reports whether path holds segments or a playlist directly.
func isSessionDir(path string) bool {
	if n, err := hls.NextSegmentNumber(path); err == nil && n > 0 {
		return true
	}
	_, err := os.Stat(filepath.Join(path, hls.PlaylistName))
	return err == nil
}

func writeReportTable(w io.Writer, report *signing.RootReport) {
	headers := []string{"SESSION", "SEGMENTS", "SIZE", "SIGNED", "MISMATCHES", "MISSING", "CORRUPT", "SIDS"}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft}

	rows := make([][]string, 0, len(report.Sessions))
	for _, s := range report.Sessions {
		missing := 0
		for _, r := range s.MissingRanges {
			missing += r.Len()
		}
		rows = append(rows, []string{
			s.Session,
			humanize.Comma(int64(s.Segments)),
			humanize.IBytes(uint64(max(s.Bytes, 0))),
			strconv.Itoa(s.Signed),
			strconv.Itoa(len(s.Mismatches)),
			strconv.Itoa(missing),
			strconv.Itoa(len(s.Corrupt)),
			strings.Join(s.SIDs, ", "),
		})
	}
	fmt.Fprintln(w, renderTable(headers, rows, aligns))

	for _, s := range report.Sessions {
		writeFindings(w, s)
	}
	if report.InconsistentSIDs() {
		fmt.Fprintf(w, "\nWARNING: sessions under %s carry different sids: %s\n", report.Root, strings.Join(report.SIDs, ", "))
	}

	if report.OK() {
		fmt.Fprintln(w, "\nAll signed segments match their signatures.")
	} else {
		fmt.Fprintln(w, "\nFAILED: at least one signed segment was modified.")
	}
}

func writeFindings(w io.Writer, s *signing.Report) {
	if s.Clean() {
		return
	}

	fmt.Fprintf(w, "\n%s:\n", s.Session)
	for _, name := range s.Mismatches {
		fmt.Fprintf(w, "  hash mismatch: %s\n", name)
	}
	for _, r := range s.MissingRanges {
		fmt.Fprintf(w, "  unsigned run: video_%d.ts to video_%d.ts (%d segments, %s, %s)\n",
			r.First, r.Last, r.Len(), r.From.Format(time.RFC3339), humanize.RelTime(r.From, r.To, "earlier", "later"))
	}
	for _, name := range s.Unparseable {
		fmt.Fprintf(w, "  unparseable signature: %s\n", name)
	}
	for _, name := range s.Orphans {
		fmt.Fprintf(w, "  signature without segment: %s\n", name)
	}
	for _, name := range s.Unreadable {
		fmt.Fprintf(w, "  unreadable: %s\n", name)
	}
	for _, name := range s.Corrupt {
		fmt.Fprintf(w, "  not valid MPEG-TS: %s\n", name)
	}
	if s.InconsistentSIDs() {
		fmt.Fprintf(w, "  multiple sids: %s\n", strings.Join(s.SIDs, ", "))
	}
}
