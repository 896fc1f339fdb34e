// Package notify 把需要人工介入的失败推送给运维渠道
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a failure out to every sender. One failing sender does not
// stop delivery to the others.
type Notifier struct {
	senders []Sender
}

func NewNotifier(senders ...Sender) *Notifier {
	out := make([]Sender, 0, len(senders))
	for _, s := range senders {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Notifier{senders: out}
}

func (n *Notifier) Report(ctx context.Context, f model.Failure) error {
	if len(n.senders) == 0 {
		return nil
	}
	title, msg := FormatFailure(f)

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, msg); err != nil {
			log.Error().Err(err).Str("sender", s.Name()).Str("pair", string(f.PairID)).Msg("notification failed")
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		log.Debug().Str("sender", s.Name()).Str("pair", string(f.PairID)).Msg("notification sent")
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// FormatFailure renders a failure as a title and body.
func FormatFailure(f model.Failure) (string, string) {
	title := fmt.Sprintf("segarb %s failure", f.Stage)
	var b strings.Builder
	fmt.Fprintf(&b, "pair: %s\n", f.PairID)
	if f.Venue != "" {
		fmt.Fprintf(&b, "venue: %s\n", f.Venue)
	}
	fmt.Fprintf(&b, "cause: %s", f.Cause)
	return title, b.String()
}

var _ port.Reporter = (*Notifier)(nil)
