package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inboxflow/internal/domain"
)

// DryRun succeeds without side effects and logs what would have happened.
type DryRun struct {
	Logger *slog.Logger
	Now    func() time.Time
}

func (d DryRun) Execute(_ context.Context, desc domain.ActionDescriptor) (domain.Outcome, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dry run", "action", desc.Type, "to", desc.Recipient, "subject", desc.Subject, "cc", desc.CC, "attachment", desc.AttachmentRef)
	return domain.Outcome{
		Success:    true,
		Message:    fmt.Sprintf("dry run: %s to %s", desc.Type, desc.Recipient),
		ExternalID: "DRYRUN_" + now().Format("20060102150405"),
	}, nil
}
