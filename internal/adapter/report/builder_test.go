package report

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleResults() domain.Results {
	return domain.Results{
		Metrics: domain.ResultMetrics{
			Accuracy:              0.91,
			UncertaintyUpperBound: 0.22,
			EmpiricalCoverage:     0.95,
			MaxSetSize:            3,
			Alpha:                 0.07,
		},
		History: domain.ResultHistory{
			Alphas:        []float64{0.05, 0.09},
			Uncertainty:   []float64{0.2, 0.24},
			BatchCoverage: []float64{0.94, 0.96},
			BatchSetSizes: []float64{2, 3},
		},
		RawData:    []float32{0.8, 0.9},
		Parameters: domain.ResultParameters{AlphaStd: 0.02, UStd: 0.02},
	}
}

func TestGenerateWritesPDF(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b := NewBuilder(dir, discardLogger())

	path, err := b.Generate(context.Background(), "sess-1", sampleResults())
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "calibration_sess-1_"), name)
	assert.True(t, strings.HasSuffix(name, ".pdf"), name)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, len(raw) > 0)
	assert.Equal(t, "%PDF", string(raw[:4]))
}

func TestGenerateUniqueFilenames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b := NewBuilder(dir, discardLogger())

	p1, err := b.Generate(context.Background(), "sess-1", sampleResults())
	require.NoError(t, err)
	p2, err := b.Generate(context.Background(), "sess-1", sampleResults())
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestGenerateHandlesNaNMetrics(t *testing.T) {
	t.Parallel()
	results := sampleResults()
	results.Metrics.Alpha = math.NaN()
	results.Metrics.UncertaintyUpperBound = math.NaN()
	results.History = domain.ResultHistory{}

	b := NewBuilder(t.TempDir(), discardLogger())
	_, err := b.Generate(context.Background(), "sess-nan", results)
	assert.NoError(t, err)
}

func TestFormatMetric(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "n/a", formatMetric(math.NaN()))
	assert.Equal(t, "0.1235", formatMetric(0.12345))
}

func TestMailerRejectsEmptyRecipient(t *testing.T) {
	t.Parallel()
	m := NewMailer("smtp.example.com:465", "sender@example.com", "pw", discardLogger())
	err := m.Send(context.Background(), "", "report.pdf")
	assert.Error(t, err)
}

func TestMailerBuildsMIMEMessage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o600))

	m := NewMailer("smtp.example.com:465", "sender@example.com", "pw", discardLogger())
	msg, err := m.buildMessage("user@example.com", path)
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "From: sender@example.com")
	assert.Contains(t, text, "To: user@example.com")
	assert.Contains(t, text, "multipart/mixed")
	assert.Contains(t, text, `attachment; filename="report.pdf"`)
	assert.Contains(t, text, "application/pdf")
}

func TestMailerMissingAttachment(t *testing.T) {
	t.Parallel()
	m := NewMailer("smtp.example.com:465", "sender@example.com", "pw", discardLogger())
	_, err := m.buildMessage("user@example.com", filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}
