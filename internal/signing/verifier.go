package signing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/asticode/go-astits"

	"github.com/jmylchreest/capturr/internal/hls"
)

// MinMissingRun is the number of consecutive unsigned segments reported as a
// missing-signature range. The monitor signs one segment in three, so a run
// this long means at least one expected signature is absent.
const MinMissingRun = 6

// VerifyOptions configures Verify and VerifyRoot.
type VerifyOptions struct {
	SaltPrefix string // empty means DefaultSaltPrefix
	SkipProbe  bool   // skip the MPEG-TS structure check
}

// MissingRange is a run of consecutive unsigned segments.
type MissingRange struct {
	First int       `json:"first" yaml:"first"`
	Last  int       `json:"last" yaml:"last"`
	From  time.Time `json:"from" yaml:"from"`
	To    time.Time `json:"to" yaml:"to"`
}

// Len returns the number of segments in the range.
func (r MissingRange) Len() int {
	return r.Last - r.First + 1
}

// Report is the verification result for one session directory.
type Report struct {
	Session       string         `json:"session" yaml:"session"`
	Dir           string         `json:"dir" yaml:"dir"`
	Segments      int            `json:"segments" yaml:"segments"`
	Bytes         int64          `json:"bytes" yaml:"bytes"`
	Signed        int            `json:"signed" yaml:"signed"`
	Mismatches    []string       `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
	MissingRanges []MissingRange `json:"missing_ranges,omitempty" yaml:"missing_ranges,omitempty"`
	Unparseable   []string       `json:"unparseable,omitempty" yaml:"unparseable,omitempty"`
	Orphans       []string       `json:"orphans,omitempty" yaml:"orphans,omitempty"`
	Unreadable    []string       `json:"unreadable,omitempty" yaml:"unreadable,omitempty"`
	Corrupt       []string       `json:"corrupt,omitempty" yaml:"corrupt,omitempty"`
	SIDs          []string       `json:"sids,omitempty" yaml:"sids,omitempty"`
}

// InconsistentSIDs reports whether the session's artifacts carry more than one sid.
func (r *Report) InconsistentSIDs() bool {
	return len(r.SIDs) > 1
}

// OK reports whether every signed segment matched its artifact.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// Clean reports whether the session raised no findings at all.
func (r *Report) Clean() bool {
	return r.OK() && len(r.MissingRanges) == 0 && len(r.Unparseable) == 0 &&
		len(r.Orphans) == 0 && len(r.Unreadable) == 0 && len(r.Corrupt) == 0 &&
		!r.InconsistentSIDs()
}

// RootReport aggregates the reports of every session directory under a media root.
type RootReport struct {
	Root     string    `json:"root" yaml:"root"`
	Sessions []*Report `json:"sessions" yaml:"sessions"`
	SIDs     []string  `json:"sids,omitempty" yaml:"sids,omitempty"`
}

// InconsistentSIDs reports whether artifacts across all sessions disagree on the sid.
func (r *RootReport) InconsistentSIDs() bool {
	return len(r.SIDs) > 1
}

// OK reports whether no session has a hash mismatch.
func (r *RootReport) OK() bool {
	for _, s := range r.Sessions {
		if !s.OK() {
			return false
		}
	}
	return true
}

// Verify checks one session directory: every artifact is parsed and its hash
// recomputed against the segment, runs of unsigned segments are collected and
// segments are probed for a valid MPEG-TS structure.
func Verify(ctx context.Context, dir string, opts VerifyOptions) (*Report, error) {
	if opts.SaltPrefix == "" {
		opts.SaltPrefix = DefaultSaltPrefix
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	report := &Report{Session: filepath.Base(dir), Dir: dir}

	segments := map[int]os.DirEntry{}
	signatures := map[int]string{}
	var numbers []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := hls.ParseSegmentNumber(e.Name()); ok {
			segments[n] = e
			numbers = append(numbers, n)
			continue
		}
		if n, ok := hls.ParseSignatureNumber(e.Name()); ok {
			signatures[n] = e.Name()
		}
	}
	slices.Sort(numbers)
	report.Segments = len(numbers)

	sids := map[string]struct{}{}
	for _, n := range slices.Sorted(maps.Keys(signatures)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := signatures[n]
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			report.Unreadable = append(report.Unreadable, name)
			continue
		}
		sig, err := ParseSignature(data)
		if err != nil {
			report.Unparseable = append(report.Unparseable, name)
			continue
		}
		sids[sig.SID] = struct{}{}

		if _, ok := segments[n]; !ok {
			report.Orphans = append(report.Orphans, name)
			continue
		}

		report.Signed++
		got, err := HashFile(hls.SegmentPath(dir, n), opts.SaltPrefix, sig.SID)
		if err != nil {
			report.Unreadable = append(report.Unreadable, hls.SegmentName(n))
			continue
		}
		if !strings.EqualFold(got, sig.Hash) {
			report.Mismatches = append(report.Mismatches, hls.SegmentName(n))
		}
	}
	report.SIDs = slices.Sorted(maps.Keys(sids))

	for _, n := range numbers {
		if info, err := segments[n].Info(); err == nil {
			report.Bytes += info.Size()
		}
		if opts.SkipProbe {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := probeSegment(ctx, hls.SegmentPath(dir, n)); err != nil {
			report.Corrupt = append(report.Corrupt, hls.SegmentName(n))
		}
	}

	report.MissingRanges = missingRanges(numbers, signatures, func(n int) time.Time {
		info, err := segments[n].Info()
		if err != nil {
			return time.Time{}
		}
		return info.ModTime()
	})

	return report, nil
}

// VerifyRoot verifies every session directory directly under root.
func VerifyRoot(ctx context.Context, root string, opts VerifyOptions) (*RootReport, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading media root: %w", err)
	}

	result := &RootReport{Root: root}
	sids := map[string]struct{}{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		report, err := Verify(ctx, filepath.Join(root, e.Name()), opts)
		if err != nil {
			return nil, fmt.Errorf("verifying %s: %w", e.Name(), err)
		}
		for _, sid := range report.SIDs {
			sids[sid] = struct{}{}
		}
		result.Sessions = append(result.Sessions, report)
	}
	result.SIDs = slices.Sorted(maps.Keys(sids))
	return result, nil
}

// missingRanges returns every maximal run of at least MinMissingRun
// consecutive unsigned segments, in segment order.
func missingRanges(numbers []int, signatures map[int]string, modTime func(int) time.Time) []MissingRange {
	var (
		ranges []MissingRange
		run    []int
	)
	flush := func() {
		if len(run) >= MinMissingRun {
			first, last := run[0], run[len(run)-1]
			ranges = append(ranges, MissingRange{
				First: first,
				Last:  last,
				From:  modTime(first),
				To:    modTime(last),
			})
		}
		run = run[:0]
	}

	for _, n := range numbers {
		if _, signed := signatures[n]; signed {
			flush()
			continue
		}
		run = append(run, n)
	}
	flush()
	return ranges
}

// probeSegment demuxes the segment and requires at least one PES packet.
func probeSegment(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dmx := astits.NewDemuxer(ctx, bufio.NewReader(f))
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return errors.New("no PES packets")
			}
			return err
		}
		if d.PES != nil {
			return nil
		}
	}
}
