package downstream

import (
	"context"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/gosdk/logger"
)

// LogNotifier records the hand-off in the log only. Used when no downstream
// processor is configured.
type LogNotifier struct{}

var _ port.Notifier = LogNotifier{}

func (LogNotifier) Notify(_ context.Context, summary domain.ValidationSummary) error {
	logger.Infow("Downstream processing requested",
		"session_id", summary.SessionID,
		"sample_id", summary.SampleID,
		"project_id", summary.ProjectID,
		"data_path", summary.DataPath,
		"format", string(summary.Format),
		"qc_profile", summary.QCProfile,
	)
	return nil
}

func (LogNotifier) Close() error { return nil }
