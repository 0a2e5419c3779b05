package gmail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inboxflow/internal/domain"
)

// Sender is a dispatch backend that sends emails through a mailbox.
type Sender struct {
	Mailbox Mailbox
	// Root resolves relative attachment references.
	Root string
	Now  func() time.Time
}

func (s Sender) Execute(ctx context.Context, desc domain.ActionDescriptor) (domain.Outcome, error) {
	var att *Attachment
	if ref := strings.TrimSpace(desc.AttachmentRef); ref != "" {
		path := ref
		if !filepath.IsAbs(path) && s.Root != "" {
			path = filepath.Join(s.Root, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("attachment %s: %w", ref, err)
		}
		att = &Attachment{Name: filepath.Base(path), Data: data}
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	raw, err := Compose(desc, att, now())
	if err != nil {
		return domain.Outcome{}, err
	}
	id, err := s.Mailbox.Send(ctx, raw)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("gmail send: %w", err)
	}
	return domain.Outcome{
		Success:    true,
		Message:    fmt.Sprintf("email sent to %s", desc.Recipient),
		ExternalID: id,
	}, nil
}
