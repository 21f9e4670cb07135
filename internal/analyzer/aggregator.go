package analyzer

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// Placeholder replaces digits in normalized frames.
const Placeholder = 'X'

// Normalize replaces every digit in every frame with Placeholder so that
// line numbers, addresses and ids do not split a signature.
func Normalize(frames []string) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return Placeholder
			}
			return r
		}, f)
	}
	return out
}

// Occurrence is one distinct normalized signature of a process and the
// files it was seen in.
type Occurrence struct {
	Frames      []string `json:"frames"`
	SourcePaths []string `json:"source_paths"`
}

// Count is the number of times the signature was seen.
func (o Occurrence) Count() int {
	return len(o.SourcePaths)
}

// IncidentGroup holds every occurrence recorded for one process.
type IncidentGroup struct {
	ProcessName string       `json:"process_name"`
	Occurrences []Occurrence `json:"occurrences"`
}

// Total is the number of incidents across all occurrences.
func (g IncidentGroup) Total() int {
	n := 0
	for _, o := range g.Occurrences {
		n += o.Count()
	}
	return n
}

func (g IncidentGroup) clone() IncidentGroup {
	out := IncidentGroup{ProcessName: g.ProcessName, Occurrences: make([]Occurrence, len(g.Occurrences))}
	for i, o := range g.Occurrences {
		out.Occurrences[i] = Occurrence{
			Frames:      slices.Clone(o.Frames),
			SourcePaths: slices.Clone(o.SourcePaths),
		}
	}
	return out
}

// Aggregator groups resolved incidents by process and normalized signature.
// It is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	groups map[string]*IncidentGroup
	order  []string
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{groups: make(map[string]*IncidentGroup)}
}

// Add records inc and returns the occurrence count of its signature.
func (a *Aggregator) Add(inc ResolvedIncident) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.add(inc.ProcessName, Normalize(inc.Frames), []string{inc.OutputPath})
}

func (a *Aggregator) add(process string, normalized, paths []string) int {
	g, ok := a.groups[process]
	if !ok {
		g = &IncidentGroup{ProcessName: process}
		a.groups[process] = g
		a.order = append(a.order, process)
	}
	for i := range g.Occurrences {
		o := &g.Occurrences[i]
		if slices.Equal(o.Frames, normalized) {
			o.SourcePaths = append(o.SourcePaths, paths...)
			return o.Count()
		}
	}
	g.Occurrences = append(g.Occurrences, Occurrence{Frames: normalized, SourcePaths: slices.Clone(paths)})
	return len(paths)
}

// Restore merges previously saved groups into the aggregator.
func (a *Aggregator) Restore(groups []IncidentGroup) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range groups {
		for _, o := range g.Occurrences {
			a.add(g.ProcessName, Normalize(o.Frames), o.SourcePaths)
		}
	}
}

// Groups returns a copy of every group in first-seen order.
func (a *Aggregator) Groups() []IncidentGroup {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]IncidentGroup, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.groups[name].clone())
	}
	return out
}

// Group returns a copy of the group for process.
func (a *Aggregator) Group(process string) (IncidentGroup, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups[process]
	if !ok {
		return IncidentGroup{}, false
	}
	return g.clone(), true
}

// WriteSummary writes every group as a banner-delimited section listing
// each signature with its count and source files.
func (a *Aggregator) WriteSummary(w io.Writer) error {
	return WriteSummary(w, a.Groups())
}

// WriteSummary writes groups in the summary layout.
func WriteSummary(w io.Writer, groups []IncidentGroup) error {
	const rule = "---------------------------"
	bw := bufio.NewWriter(w)
	for _, g := range groups {
		fmt.Fprintf(bw, "%sbegin %s%s\n", rule, g.ProcessName, rule)
		for _, o := range g.Occurrences {
			fmt.Fprintln(bw, " ")
			fmt.Fprintf(bw, "<<<<<<<<<<<<<<<<<<<<<<<<<<<%d times>>>>>>>>>>>>>>>>>>>>>>>>>>>\n", o.Count())
			if len(o.Frames) == 0 {
				fmt.Fprintln(bw, "  no trace")
			}
			for _, f := range o.Frames {
				fmt.Fprintln(bw, f)
			}
			for _, p := range o.SourcePaths {
				fmt.Fprintln(bw, p)
			}
		}
		fmt.Fprintf(bw, "%send %s%s\n", rule, g.ProcessName, rule)
	}
	return bw.Flush()
}
