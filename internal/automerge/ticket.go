package automerge

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

// TicketCloser resolves the ticket referenced in the title of a merged pull
// request.
type TicketCloser struct {
	svc     TicketService
	retryer Retryer
	keyRe   *regexp.Regexp
	logger  *zap.Logger
}

// NewTicketCloser returns a TicketCloser that extracts the ticket key from
// pull request titles with keyPattern. The first submatch of the pattern is
// the key, if it has no submatch the whole match is used.
func NewTicketCloser(svc TicketService, retryer Retryer, keyPattern string) (*TicketCloser, error) {
	re, err := regexp.Compile(keyPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling ticket key pattern failed: %w", err)
	}

	return &TicketCloser{
		svc:     svc,
		retryer: retryer,
		keyRe:   re,
		logger:  zap.L().Named(loggerName).Named("ticket_closer"),
	}, nil
}

// TicketKey returns the ticket key in title or an empty string.
func (t *TicketCloser) TicketKey(title string) string {
	m := t.keyRe.FindStringSubmatch(title)

	switch len(m) {
	case 0:
		return ""
	case 1:
		return m[0]
	default:
		return m[1]
	}
}

// Close resolves the ticket of pr and adds a comment referencing the merge.
// It returns a note for the report, it is empty when the title of pr does
// not contain a ticket key.
// Failures are only logged and returned as note.
func (t *TicketCloser) Close(ctx context.Context, pr *PullRequest, pair RefPair) string {
	key := t.TicketKey(pr.Title)
	if key == "" {
		return ""
	}

	logger := t.logger.With(pr.LogFields...).With(logfields.Ticket(key))
	logF := append(pr.LogFields, logfields.Ticket(key))

	err := t.retryer.Run(ctx, func(ctx context.Context) error {
		return t.svc.Resolve(ctx, key)
	}, logF)
	if err != nil {
		logger.Warn("resolving ticket failed", logfields.Event("ticket_resolve_failed"), zap.Error(err))
		return fmt.Sprintf("Resolving ticket %s failed: %s", key, err)
	}

	comment := fmt.Sprintf("Merged %s into %s: %s", pair.PR, pair.Branch, pr.URL)

	err = t.retryer.Run(ctx, func(ctx context.Context) error {
		return t.svc.AddComment(ctx, key, comment)
	}, logF)
	if err != nil {
		logger.Warn("commenting on ticket failed", logfields.Event("ticket_comment_failed"), zap.Error(err))
		return fmt.Sprintf("Resolved ticket %s, adding a comment failed: %s", key, err)
	}

	logger.Info("ticket resolved", logfields.Event("ticket_resolved"))

	return fmt.Sprintf("Resolved ticket %s.", key)
}

// DryTicketService is a TicketService that does not change any tickets, all
// operations are only logged.
type DryTicketService struct {
	logger *zap.Logger
}

func NewDryTicketService(logger *zap.Logger) *DryTicketService {
	return &DryTicketService{logger: logger.Named("dry_ticket_service")}
}

func (d *DryTicketService) AddComment(_ context.Context, key, _ string) error {
	d.logger.Info("simulated adding ticket comment", logfields.Ticket(key))
	return nil
}

func (d *DryTicketService) Resolve(_ context.Context, key string) error {
	d.logger.Info("simulated resolving ticket", logfields.Ticket(key))
	return nil
}
