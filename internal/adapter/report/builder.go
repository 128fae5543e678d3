// Package report builds the end-of-session PDF report and delivers it by
// SMTP.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

// Builder renders calibration results into a PDF under the artifacts dir.
type Builder struct {
	ArtifactsPath string
	Log           *slog.Logger
}

// NewBuilder constructs a Builder writing under artifactsPath.
func NewBuilder(artifactsPath string, log *slog.Logger) *Builder {
	return &Builder{ArtifactsPath: artifactsPath, Log: log}
}

// Generate writes the report PDF and returns its path.
func (b *Builder) Generate(_ context.Context, sessionID string, results domain.Results) (string, error) {
	if err := os.MkdirAll(b.ArtifactsPath, 0o755); err != nil {
		return "", fmt.Errorf("op=report.generate: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Calibration Report", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 12, "Conformal Calibration Report", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Session %s", sessionID), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 6, time.Now().UTC().Format(time.RFC3339), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	b.metricsTable(pdf, results)
	b.parametersTable(pdf, results.Parameters)
	b.historySection(pdf, results.History)

	name := fmt.Sprintf("calibration_%s_%s.pdf", sessionID, newArtifactID())
	path := filepath.Join(b.ArtifactsPath, name)
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("op=report.generate: %w", err)
	}
	b.Log.Info("report generated", slog.String("session_id", sessionID), slog.String("path", path))
	return path, nil
}

func (b *Builder) metricsTable(pdf *fpdf.Fpdf, r domain.Results) {
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "Metrics", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	rows := []struct {
		name  string
		value float64
	}{
		{"Accuracy", r.Metrics.Accuracy},
		{"Model Uncertainty Upper Bound", r.Metrics.UncertaintyUpperBound},
		{"Empirical Coverage", r.Metrics.EmpiricalCoverage},
		{"Max Set Size", r.Metrics.MaxSetSize},
		{"Alpha", r.Metrics.Alpha},
	}
	for _, row := range rows {
		pdf.CellFormat(90, 7, row.name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 7, formatMetric(row.value), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(4)
}

func (b *Builder) parametersTable(pdf *fpdf.Fpdf, p domain.ResultParameters) {
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "Parameters", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(90, 7, "Alpha std", "1", 0, "L", false, 0, "")
	pdf.CellFormat(50, 7, formatMetric(p.AlphaStd), "1", 1, "R", false, 0, "")
	pdf.CellFormat(90, 7, "U std", "1", 0, "L", false, 0, "")
	pdf.CellFormat(50, 7, formatMetric(p.UStd), "1", 1, "R", false, 0, "")
	pdf.Ln(4)
}

func (b *Builder) historySection(pdf *fpdf.Fpdf, h domain.ResultHistory) {
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "History", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	series := []struct {
		name   string
		values []float64
	}{
		{"alphas", h.Alphas},
		{"uncertainty", h.Uncertainty},
		{"batch_coverage", h.BatchCoverage},
		{"batch_setsizes", h.BatchSetSizes},
	}
	for _, s := range series {
		pdf.CellFormat(0, 5, fmt.Sprintf("%s (%d points): %s", s.name, len(s.values), summarize(s.values)), "", 1, "L", false, 0, "")
	}
}

func formatMetric(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v)
}

func summarize(values []float64) string {
	if len(values) == 0 {
		return "-"
	}
	min, max := values[0], values[0]
	var sum float64
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return fmt.Sprintf("min %.4f / mean %.4f / max %.4f", min, sum/float64(len(values)), max)
}

func newArtifactID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
