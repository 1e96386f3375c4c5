package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"imagedeid/internal/config"
)

const userAgent = "imagedeid/0.1.0"

// RunReport is the digest of a finished run.
type RunReport struct {
	RunID     string
	Workspace string
	Counts    map[string]int
	Blocked   int
	Failed    int
	Reports   []string
}

// Service defines the notification surface used by the CLI.
type Service interface {
	NotifyRunCompleted(ctx context.Context, report RunReport) error
	NotifyRunFailed(ctx context.Context, workspace string, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg config.Notifications) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, report RunReport) error {
	total := 0
	statuses := make([]string, 0, len(report.Counts))
	for status, count := range report.Counts {
		total += count
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d sessions", strings.TrimSpace(report.Workspace), total)
	if len(statuses) > 0 {
		parts := make([]string, 0, len(statuses))
		for _, status := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", status, report.Counts[status]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, " "))
	}
	for _, path := range report.Reports {
		if path = strings.TrimSpace(path); path != "" {
			fmt.Fprintf(&b, "\nReview: %s", path)
		}
	}

	data := payload{
		title:   "imagedeid - Run Complete",
		message: b.String(),
		tags:    []string{"imagedeid", "run", "completed"},
	}
	if report.Blocked > 0 || report.Failed > 0 {
		data.title = "imagedeid - Review Needed"
		data.tags = []string{"imagedeid", "run", "review"}
		data.priority = "high"
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, workspace string, err error) error {
	var b strings.Builder
	b.WriteString("❌ Run failed")
	if workspace = strings.TrimSpace(workspace); workspace != "" {
		b.WriteString(" for ")
		b.WriteString(workspace)
	}
	b.WriteString(": ")
	if err != nil {
		b.WriteString(strings.TrimSpace(err.Error()))
	} else {
		b.WriteString("unknown")
	}

	data := payload{
		title:    "imagedeid - Run Failed",
		message:  b.String(),
		tags:     []string{"imagedeid", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "imagedeid - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"imagedeid", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Enabled reports whether svc delivers anything.
func Enabled(svc Service) bool {
	_, noop := svc.(noopService)
	return !noop
}

type noopService struct{}

func (noopService) NotifyRunCompleted(context.Context, RunReport) error  { return nil }
func (noopService) NotifyRunFailed(context.Context, string, error) error { return nil }
func (noopService) TestNotification(context.Context) error               { return nil }
