package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"imagedeid/internal/config"
	"imagedeid/internal/logging"
	"imagedeid/internal/services"
)

// HTTPDoer abstracts http.Client.Do for testing.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Series is the subset of an Orthanc series resource the pipeline uses.
type Series struct {
	ID                string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
}

// Patient is the subset of an Orthanc patient resource the pipeline uses.
type Patient struct {
	ID        string
	PatientID string
	BirthDate string
}

type resource struct {
	ID            string            `json:"ID"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient injects a custom HTTP backend (primarily for tests).
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "archive")
	}
}

// Client is an Orthanc REST client authenticating with basic auth.
type Client struct {
	baseURL  string
	username string
	password string
	http     HTTPDoer
	logger   *slog.Logger
}

// New constructs a client from archive settings. The URL must be set.
func New(cfg config.Archive, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, services.Wrap(services.ErrConfiguration, "archive", "init",
			"archive.url is not set (or ORTHANC_HOST is missing)", nil)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	c := &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(nil, "archive"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SystemInfo is the archive's self-description from /system.
type SystemInfo struct {
	Name       string `json:"Name"`
	Version    string `json:"Version"`
	APIVersion int    `json:"ApiVersion"`
}

// System fetches the archive's system description. It doubles as a
// reachability and credentials check.
func (c *Client) System(ctx context.Context) (SystemInfo, error) {
	var info SystemInfo
	if err := c.doJSON(ctx, http.MethodGet, "/system", nil, &info); err != nil {
		return SystemInfo{}, err
	}
	return info, nil
}

// ListStudies returns every study ID held by the archive.
func (c *Client) ListStudies(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.doJSON(ctx, http.MethodGet, "/studies", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SeriesMetadata returns the series of a study in archive order.
func (c *Client) SeriesMetadata(ctx context.Context, studyID string) ([]Series, error) {
	if err := validateID(studyID); err != nil {
		return nil, err
	}
	var resources []resource
	if err := c.doJSON(ctx, http.MethodGet, "/studies/"+url.PathEscape(studyID)+"/series", nil, &resources); err != nil {
		return nil, err
	}
	out := make([]Series, 0, len(resources))
	for _, r := range resources {
		out = append(out, Series{
			ID:                r.ID,
			Modality:          strings.ToUpper(strings.TrimSpace(r.MainDicomTags["Modality"])),
			SeriesNumber:      r.MainDicomTags["SeriesNumber"],
			SeriesDescription: r.MainDicomTags["SeriesDescription"],
		})
	}
	return out, nil
}

// FindPatients returns the patients whose PatientID equals mrn.
func (c *Client) FindPatients(ctx context.Context, mrn string) ([]Patient, error) {
	query := map[string]any{
		"Level":  "Patient",
		"Expand": true,
		"Query":  map[string]string{"PatientID": mrn},
	}
	var resources []resource
	if err := c.doJSON(ctx, http.MethodPost, "/tools/find", query, &resources); err != nil {
		return nil, err
	}
	out := make([]Patient, 0, len(resources))
	for _, r := range resources {
		out = append(out, Patient{
			ID:        r.ID,
			PatientID: r.MainDicomTags["PatientID"],
			BirthDate: strings.TrimSpace(r.MainDicomTags["PatientBirthDate"]),
		})
	}
	return out, nil
}

// PatientBirthDate returns the first on-file birth date for mrn, or "" when
// the archive has none. Its signature matches registry.DOBLookup.
func (c *Client) PatientBirthDate(ctx context.Context, mrn string) (string, error) {
	patients, err := c.FindPatients(ctx, mrn)
	if err != nil {
		return "", err
	}
	for _, p := range patients {
		if p.BirthDate != "" {
			return p.BirthDate, nil
		}
	}
	return "", nil
}

// FetchStudy downloads the study archive to {destDir}/{studyID}.zip and
// unpacks it into destDir. An archive already on disk is reused.
func (c *Client) FetchStudy(ctx context.Context, studyID, destDir string) (string, error) {
	if err := validateID(studyID); err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	zipPath := filepath.Join(destDir, studyID+".zip")
	if _, err := os.Stat(zipPath); err == nil {
		c.logger.Info("study archive already downloaded", logging.String("study_id", studyID))
	} else {
		if err := c.download(ctx, "/studies/"+url.PathEscape(studyID)+"/archive", zipPath); err != nil {
			return "", err
		}
		c.logger.Info("study archive downloaded", logging.String("study_id", studyID))
	}
	count, err := Unzip(zipPath, destDir)
	if err != nil {
		return "", err
	}
	c.logger.Info("study archive extracted",
		logging.String("study_id", studyID),
		logging.Int("files", count),
	)
	return zipPath, nil
}

func (c *Client) download(ctx context.Context, path, dest string) error {
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return services.Wrap(services.ErrTransient, "archive", "download", "stream interrupted", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close archive file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize archive file: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrValidation, "archive", method+" "+path, "decode response", err)
	}
	return nil
}

// send issues the request and maps failure statuses onto service markers.
// The caller owns the returned body.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, "archive", method+" "+path, "request timed out", err)
		}
		return nil, services.Wrap(services.ErrTransient, "archive", method+" "+path, "request failed", err)
	}
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	return nil, services.Wrap(statusMarker(resp.StatusCode), "archive", method+" "+path, msg, nil)
}

func statusMarker(code int) error {
	switch {
	case code == http.StatusNotFound:
		return services.ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return services.ErrConfiguration
	case code >= http.StatusInternalServerError:
		return services.ErrTransient
	default:
		return services.ErrValidation
	}
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return services.Wrap(services.ErrValidation, "archive", "validate id", fmt.Sprintf("invalid study id %q", id), nil)
	}
	return nil
}

// ShouldSkip reports whether a study should be skipped because its first
// series has a modality in skip. The matched modality is returned.
func ShouldSkip(series []Series, skip []string) (string, bool) {
	if len(series) == 0 {
		return "", false
	}
	modality := series[0].Modality
	if modality == "" {
		return "", false
	}
	return modality, slices.ContainsFunc(skip, func(m string) bool {
		return strings.EqualFold(strings.TrimSpace(m), modality)
	})
}
