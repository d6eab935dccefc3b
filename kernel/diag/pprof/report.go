//go:build !kernel

// Package pprof turns a pprof-format CPU or heap profile — the kind `go
// test -cpuprofile` produces for the PFM/scheduler benchmarks — into a
// flat, function-level report. It only ever runs as part of the hosted
// unit-test harness (hence the !kernel build tag): nothing under this
// package is reachable from kmain, and it is never linked into the kernel
// image.
package pprof

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/pprof/profile"
)

// Entry is one function's aggregated sample value in a Report.
type Entry struct {
	Function string
	Value    int64
}

// Report aggregates the first sample value of every sample in prof by its
// leaf function, returning the top N entries sorted by descending value.
// topN <= 0 returns every function that recorded a sample.
func Report(prof *profile.Profile, topN int) []Entry {
	totals := make(map[string]int64)
	for _, sample := range prof.Sample {
		if len(sample.Value) == 0 || len(sample.Location) == 0 {
			continue
		}

		loc := sample.Location[0]
		if len(loc.Line) == 0 || loc.Line[0].Function == nil {
			continue
		}

		totals[loc.Line[0].Function.Name] += sample.Value[0]
	}

	entries := make([]Entry, 0, len(totals))
	for name, v := range totals {
		entries = append(entries, Entry{Function: name, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value > entries[j].Value })

	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}
	return entries
}

// ParseAndReport reads a pprof-format profile from r and writes its
// Report, one function per line, to w.
func ParseAndReport(r io.Reader, w io.Writer, topN int) error {
	prof, err := profile.Parse(r)
	if err != nil {
		return fmt.Errorf("parsing profile: %w", err)
	}

	for _, e := range Report(prof, topN) {
		fmt.Fprintf(w, "%10d  %s\n", e.Value, e.Function)
	}
	return nil
}
