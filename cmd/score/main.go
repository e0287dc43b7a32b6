// Command score runs the risk scorer offline over recorded telemetry. It reads
// one JSON snapshot per line and writes one JSON assessment per line, so a
// scoring policy can be checked against captured data before it is deployed.
//
// Usage:
//
//	go run ./cmd/score -in snapshots.jsonl \
//	  -weights "precipitation=0.4,soil=0.3,seismic=0.3,temperature=0,humidity=0,wind=0"
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
)

// maxLine bounds one encoded snapshot.
const maxLine = 1 << 20

// summary counts scored snapshots per level.
type summary struct {
	counts   map[domain.Level]int
	degraded int
	highest  domain.RiskAssessment
}

func (s *summary) add(a domain.RiskAssessment) {
	s.counts[a.Level]++
	if a.Degraded {
		s.degraded++
	}
	if a.Score > s.highest.Score {
		s.highest = a
	}
}

func (s *summary) total() int {
	n := 0
	for _, c := range s.counts {
		n += c
	}
	return n
}

func main() {
	in := flag.String("in", "", "JSON lines file of snapshots (default stdin)")
	weights := flag.String("weights", domain.DefaultWeights, "factor weights as name=value pairs")
	maxima := flag.String("maxima", domain.DefaultMaxima, "normalization maxima as name=value pairs")
	flag.Parse()

	policy, err := domain.NewScoringPolicy(*weights, *maxima)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: scoring policy: %v\n", err)
		os.Exit(2)
	}

	src := io.Reader(os.Stdin)
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: open input: %v\n", err)
			os.Exit(2)
		}
		defer f.Close()
		src = f
	}

	if code := run(src, os.Stdout, os.Stderr, policy); code != 0 {
		os.Exit(code)
	}
}

// run scores every line of src with policy. Malformed lines are reported on
// errOut and skipped; the exit code is 1 when any line failed.
func run(src io.Reader, out, errOut io.Writer, policy domain.ScoringPolicy) int {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)

	sum := &summary{counts: make(map[domain.Level]int)}
	failed := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		snap, err := decodeSnapshot(raw)
		if err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", line, err)
			failed++
			continue
		}

		a := policy.Score(snap)
		if err := enc.Encode(a); err != nil {
			fmt.Fprintf(errOut, "FATAL: write assessment: %v\n", err)
			return 2
		}
		sum.add(a)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(errOut, "FATAL: read input: %v\n", err)
		return 2
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(errOut, "FATAL: write assessment: %v\n", err)
		return 2
	}

	fmt.Fprintf(errOut, "scored %d snapshots: %d HIGH, %d MEDIUM, %d LOW, %d degraded, %d rejected\n",
		sum.total(), sum.counts[domain.LevelHigh], sum.counts[domain.LevelMedium], sum.counts[domain.LevelLow],
		sum.degraded, failed)
	if sum.highest.Score > 0 {
		fmt.Fprintf(errOut, "highest: %.1f at %s (%s)\n",
			sum.highest.Score, sum.highest.Location.Key(), sum.highest.CapturedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	if failed > 0 {
		return 1
	}
	return 0
}

func decodeSnapshot(raw []byte) (domain.TelemetrySnapshot, error) {
	var snap domain.TelemetrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := snap.Location.Validate(); err != nil {
		return snap, err
	}
	return snap, nil
}
