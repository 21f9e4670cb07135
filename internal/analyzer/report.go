package analyzer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"anr-mcp/internal/tracefile"
)

// WriteReconstruction writes the chain of res: each hop's block preceded by
// its process headers when they differ from the last ones written, then the
// outcome line.
func WriteReconstruction(w io.Writer, res *Resolution) error {
	bw := bufio.NewWriter(w)
	var tracker tracefile.HeaderTracker
	for _, hop := range res.Hops {
		emitPid, emitCmd := tracker.MarkWritten(hop.Header)
		if emitPid {
			fmt.Fprintln(bw, hop.Header.PidLine)
		}
		if emitCmd {
			fmt.Fprintln(bw, hop.Header.CmdLine)
		}
		if emitPid || emitCmd {
			fmt.Fprintln(bw)
		}
		for _, line := range hop.Lines {
			fmt.Fprintln(bw, line)
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintf(bw, "outcome: %s\n", res.Outcome)
	return bw.Flush()
}

// Reconstruction returns the text WriteReconstruction would write.
func (r *Resolution) Reconstruction() string {
	var sb strings.Builder
	_ = WriteReconstruction(&sb, r)
	return sb.String()
}

// ReconstructionFileName is the file a resolution is saved under.
func ReconstructionFileName(res *Resolution) string {
	name := res.Incident.ProcessName
	if name == "" {
		name = "pid" + res.Target.Pid
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("anr_%s_%s.txt", name, res.ID)
}

// SaveReconstruction writes the reconstruction of res into dir and points
// the incident's output path at the new file.
func SaveReconstruction(dir string, res *Resolution) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, ReconstructionFileName(res))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create reconstruction file: %w", err)
	}
	if err := WriteReconstruction(f, res); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write reconstruction: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close reconstruction file: %w", err)
	}
	res.Incident.OutputPath = path
	return path, nil
}
