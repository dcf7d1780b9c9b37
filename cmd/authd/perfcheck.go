package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const defaultPerfThreshold = 0.30

// trackedBenchmarks are the engine benchmarks gated in CI and the units
// compared for each.
var trackedBenchmarks = map[string][]string{
	"BenchmarkValidateJWTOnly": {"ns/op", "allocs/op"},
	"BenchmarkValidateStrict":  {"ns/op", "allocs/op"},
	"BenchmarkRefresh":         {"ns/op"},
	"BenchmarkLogin":           {"ns/op"},
}

type benchSamples map[string]map[string][]float64

func newPerfcheckCmd() *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "perfcheck BASELINE CANDIDATE",
		Short: "Compare two `go test -bench` outputs and fail on regressions",
		Long: `Compare the medians of the tracked engine benchmarks between two
"go test -bench -count=N" outputs. Fails when a candidate median exceeds the
baseline by more than --threshold or when a tracked benchmark is missing.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold < 0 {
				return fmt.Errorf("--threshold must be >= 0")
			}
			baseline, err := parseBenchFile(args[0])
			if err != nil {
				return fmt.Errorf("parse baseline: %w", err)
			}
			candidate, err := parseBenchFile(args[1])
			if err != nil {
				return fmt.Errorf("parse candidate: %w", err)
			}
			return comparePerf(cmd.OutOrStdout(), baseline, candidate, threshold)
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", defaultPerfThreshold, "maximum allowed regression ratio (0.30 = +30%)")
	return cmd
}

func comparePerf(w io.Writer, baseline, candidate benchSamples, threshold float64) error {
	names := make([]string, 0, len(trackedBenchmarks))
	for name := range trackedBenchmarks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failures []string
	fmt.Fprintln(w, "benchmark metric baseline candidate delta")
	for _, name := range names {
		for _, unit := range trackedBenchmarks[name] {
			base, cand := baseline[name][unit], candidate[name][unit]
			if len(base) == 0 || len(cand) == 0 {
				failures = append(failures, fmt.Sprintf("missing samples for %s %s", name, unit))
				continue
			}
			baseMedian, candMedian := median(base), median(cand)
			if baseMedian <= 0 {
				// Zero allocs/op cannot regress proportionally; any alloc is a regression.
				if candMedian > 0 {
					failures = append(failures, fmt.Sprintf("%s %s went from 0 to %.0f", name, unit, candMedian))
				}
				fmt.Fprintf(w, "%s %s %.3f %.3f n/a\n", name, unit, baseMedian, candMedian)
				continue
			}
			delta := (candMedian - baseMedian) / baseMedian
			fmt.Fprintf(w, "%s %s %.3f %.3f %+0.2f%%\n", name, unit, baseMedian, candMedian, delta*100)
			if delta > threshold {
				failures = append(failures, fmt.Sprintf("%s %s regressed by %+0.2f%% (limit %+0.2f%%)", name, unit, delta*100, threshold*100))
			}
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("performance regression:\n  - %s", strings.Join(failures, "\n  - "))
	}
	return nil
}

func parseBenchFile(path string) (benchSamples, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseBench(f)
}

func parseBench(r io.Reader) (benchSamples, error) {
	samples := benchSamples{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := normalizeBenchName(fields[0])
		if _, ok := trackedBenchmarks[name]; !ok {
			continue
		}
		if samples[name] == nil {
			samples[name] = map[string][]float64{}
		}
		for i := 2; i+1 < len(fields); i += 2 {
			value, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				continue
			}
			samples[name][fields[i+1]] = append(samples[name][fields[i+1]], value)
		}
	}
	return samples, scanner.Err()
}

// normalizeBenchName strips the -GOMAXPROCS suffix.
func normalizeBenchName(raw string) string {
	if idx := strings.LastIndexByte(raw, '-'); idx > 0 {
		if _, err := strconv.Atoi(raw[idx+1:]); err == nil {
			return raw[:idx]
		}
	}
	return raw
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
