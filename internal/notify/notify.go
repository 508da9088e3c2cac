// Package notify implements the optional escalation notifier: when a
// high-severity Escalation is created, file a tracking issue against a
// configured GitHub repo so it surfaces somewhere humans already look.
// Disabled by default; the Escalation Store and everything upstream of it
// work with no notifier wired in at all.
package notify

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/swarmops/orchestrator/internal/escalation"
	"github.com/swarmops/orchestrator/internal/event"
	"github.com/swarmops/orchestrator/internal/logging"
)

// IssueFiler is the subset of github.Client this package depends on, so
// tests can supply a fake instead of hitting the GitHub API.
type IssueFiler interface {
	CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error)
}

// githubIssueFiler adapts the real client's nested Issues service to
// IssueFiler.
type githubIssueFiler struct {
	client *github.Client
}

func (g *githubIssueFiler) CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error) {
	issue, _, err := g.client.Issues.Create(ctx, owner, repo, req)
	return issue, err
}

// NewClient builds an authenticated GitHub client from a personal access
// token, the same oauth2.StaticTokenSource pattern used for outbound
// GitHub calls elsewhere in the ecosystem.
func NewClient(ctx context.Context, token string) (*github.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("notify: github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return github.NewClient(tc), nil
}

// Notifier subscribes to escalation.created events and files a GitHub
// issue for every one at or above the configured severity threshold.
type Notifier struct {
	filer     IssueFiler
	owner     string
	repo      string
	threshold escalation.Severity
	logger    *logging.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithThreshold overrides the minimum severity that triggers a filed
// issue. Defaults to escalation.SeverityHigh, since the auto-severity
// rule never assigns escalation.SeverityCritical itself — that tier only
// exists for a human to set via SetSeverity after triage.
func WithThreshold(sev escalation.Severity) Option {
	return func(n *Notifier) { n.threshold = sev }
}

// WithLogger overrides the notifier's logger.
func WithLogger(log *logging.Logger) Option {
	return func(n *Notifier) {
		if log != nil {
			n.logger = log
		}
	}
}

// New builds a Notifier. filer, owner and repo must be non-empty/non-nil;
// callers that leave notify.enabled unset in config should never reach
// this constructor at all.
func New(filer IssueFiler, owner, repo string, opts ...Option) *Notifier {
	if filer == nil {
		panic("notify: filer is required")
	}
	if owner == "" || repo == "" {
		panic("notify: owner and repo are required")
	}
	n := &Notifier{
		filer:     filer,
		owner:     owner,
		repo:      repo,
		threshold: escalation.SeverityHigh,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var severityRank = map[escalation.Severity]int{
	escalation.SeverityLow:      0,
	escalation.SeverityMedium:   1,
	escalation.SeverityHigh:     2,
	escalation.SeverityCritical: 3,
}

func (n *Notifier) meetsThreshold(sev escalation.Severity) bool {
	return severityRank[sev] >= severityRank[n.threshold]
}

// Subscribe registers the notifier on bus. Call once at startup.
func (n *Notifier) Subscribe(bus *event.Bus) {
	bus.Subscribe("escalation.created", n.handle)
}

func (n *Notifier) handle(e event.Event) {
	ev, ok := e.(event.EscalationCreatedEvent)
	if !ok {
		return
	}
	sev := escalation.Severity(ev.Severity)
	if !n.meetsThreshold(sev) {
		return
	}

	title := fmt.Sprintf("[swarmops] escalation %s (severity=%s)", ev.EscalationID, ev.Severity)
	body := fmt.Sprintf("Run `%s` raised escalation `%s` at severity `%s`. Check the escalation store for attempt history before acting.",
		ev.RunID, ev.EscalationID, ev.Severity)

	_, err := n.filer.CreateIssue(context.Background(), n.owner, n.repo, &github.IssueRequest{
		Title: &title,
		Body:  &body,
	})
	if err != nil {
		n.logger.Error("failed to file escalation issue", "escalation", ev.EscalationID, "error", err)
		return
	}
	n.logger.Info("filed escalation issue", "escalation", ev.EscalationID, "severity", ev.Severity)
}

// NewGitHubIssueFiler wraps a real github.Client as an IssueFiler.
func NewGitHubIssueFiler(client *github.Client) IssueFiler {
	return &githubIssueFiler{client: client}
}
