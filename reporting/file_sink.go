package reporting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// FileSink writes the plain-text report as a gzip artifact under
// <baseDir>/testrun-<runID>/summary.log.gz, one directory per run.
type FileSink struct {
	baseDir   string
	formatter *TextFormatter
}

// NewFileSink creates a sink rooted at baseDir. The directory tree is
// created on first use.
func NewFileSink(baseDir string) *FileSink {
	return &FileSink{baseDir: baseDir, formatter: &TextFormatter{}}
}

func (s *FileSink) Consume(report *Report) error {
	outputDir := filepath.Join(s.baseDir, "testrun-"+report.RunID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating report directory %s: %w", outputDir, err)
	}

	path := filepath.Join(outputDir, "summary.log.gz")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file %s: %w", path, err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write([]byte(s.formatter.Format(report))); err != nil {
		f.Close()
		return fmt.Errorf("writing report file %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flushing report file %s: %w", path, err)
	}
	return f.Close()
}

func (s *FileSink) Name() string { return "file" }
