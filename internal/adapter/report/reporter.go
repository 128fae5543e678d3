package report

import (
	"context"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

// Reporter composes the PDF builder and the SMTP mailer behind the single
// port the workers consume.
type Reporter struct {
	builder *Builder
	mailer  *Mailer
}

// NewReporter pairs a Builder with a Mailer.
func NewReporter(b *Builder, m *Mailer) *Reporter {
	return &Reporter{builder: b, mailer: m}
}

// Generate renders the report PDF and returns its path.
func (r *Reporter) Generate(ctx context.Context, sessionID string, results domain.Results) (string, error) {
	return r.builder.Generate(ctx, sessionID, results)
}

// Send mails the generated report to the recipient.
func (r *Reporter) Send(ctx context.Context, recipient, attachmentPath string) error {
	return r.mailer.Send(ctx, recipient, attachmentPath)
}
