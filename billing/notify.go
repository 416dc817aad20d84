package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/store"
)

// handlers holds the event handlers and their shared helpers.
type handlers struct {
	Deps
}

// emailWorkspace sends one message per workspace user (owners only when
// ownersOnly is set). Sends are fire-and-forget: failures are logged and
// counted but never returned.
func (h *handlers) emailWorkspace(ctx context.Context, workspaceID string, ownersOnly bool, build func(u *store.User) email.Message) error {
	users, err := h.Store.ListWorkspaceUsers(ctx, workspaceID, ownersOnly)
	if err != nil {
		return fmt.Errorf("list workspace users: %w", err)
	}
	var tasks []task
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		msg := build(u)
		msg.To = u.Email
		tasks = append(tasks, task{
			name: "email " + msg.Template,
			fn: func(ctx context.Context) error {
				err := h.Mailer.Send(ctx, msg)
				h.Metrics.RecordEmail(msg.Template, err)
				return err
			},
		})
	}
	_ = h.settle(ctx, tasks...)
	return nil
}

// alert posts to Slack; failures are only logged.
func (h *handlers) alert(ctx context.Context, typ alert.Type, message string) {
	if h.Alerter == nil {
		return
	}
	if err := h.Alerter.Alert(ctx, alert.Alert{Message: message, Type: typ}); err != nil {
		h.Logger.Warn("alert failed", "type", typ, "error", err)
	}
}

func (h *handlers) publish(ctx context.Context, job queue.Job) (string, error) {
	id, err := h.Queue.Publish(ctx, job)
	h.Metrics.RecordJob(h.QueueName, err)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", job.URL, err)
	}
	return id, nil
}

// appURL joins path onto the configured base URL.
func (h *handlers) appURL(path string) string {
	return strings.TrimRight(h.Options.AppURL, "/") + path
}

// setAutoRenew updates the registrar for every domain concurrently. Failures
// are logged; the datastore is the source of truth for auto-renewal.
func (h *handlers) setAutoRenew(ctx context.Context, domains []string, enabled bool) {
	if h.Registrar == nil {
		return
	}
	tasks := make([]task, 0, len(domains))
	for _, d := range domains {
		tasks = append(tasks, task{
			name: "registrar renew option " + d,
			fn: func(ctx context.Context) error {
				return h.Registrar.SetRenewOption(ctx, d, enabled)
			},
		})
	}
	_ = h.settle(ctx, tasks...)
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// noticePrefix is the subject prefix for repeated payment failure emails.
func noticePrefix(attempt int) string {
	switch attempt {
	case 2:
		return "2nd notice: "
	case 3:
		return "3rd notice: "
	default:
		return ""
	}
}
