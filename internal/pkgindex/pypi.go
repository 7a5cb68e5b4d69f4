package pkgindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mlowden/strand/internal/models"
)

const defaultIndexURL = "https://pypi.org/pypi/%s/json"

// PyPI queries the PyPI JSON API for package metadata and derives an
// advisory safety score from release history and popularity signals.
type PyPI struct {
	client  *http.Client
	urlTmpl string
}

// NewPyPI creates a PyPI-backed index. An empty urlTmpl uses the public
// index; tests point it at a local server.
func NewPyPI(urlTmpl string) *PyPI {
	if urlTmpl == "" {
		urlTmpl = defaultIndexURL
	}
	return &PyPI{
		client:  &http.Client{Timeout: 10 * time.Second},
		urlTmpl: urlTmpl,
	}
}

// pypiResponse is the subset of the PyPI JSON payload we read.
type pypiResponse struct {
	Info struct {
		Version string `json:"version"`
		Author  string `json:"author"`
		Summary string `json:"summary"`
	} `json:"info"`
	Releases map[string][]struct {
		UploadTime string `json:"upload_time_iso_8601"`
	} `json:"releases"`
}

// Lookup fetches metadata for one package. A 404 from the index yields
// UNKNOWN metadata without an error; network failures are returned so the
// caller can log them, still alongside UNKNOWN metadata.
func (p *PyPI) Lookup(ctx context.Context, name string) (models.PackageMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(p.urlTmpl, name), nil)
	if err != nil {
		return Unknown(), fmt.Errorf("build index request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Unknown(), fmt.Errorf("index lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Unknown(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return Unknown(), fmt.Errorf("index lookup: status %d", resp.StatusCode)
	}

	var payload pypiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Unknown(), fmt.Errorf("decode index response: %w", err)
	}

	meta := models.PackageMetadata{
		Version:     payload.Info.Version,
		Author:      payload.Info.Author,
		Description: payload.Info.Summary,
		LastRelease: lastRelease(payload),
	}
	meta.SafetyScore = score(payload)
	meta.SafetyLevel = level(meta.SafetyScore)
	return meta, nil
}

func lastRelease(p pypiResponse) string {
	latest := ""
	for _, files := range p.Releases {
		for _, f := range files {
			if f.UploadTime > latest {
				latest = f.UploadTime
			}
		}
	}
	return latest
}

// score derives a 0-100 advisory score from release cadence and history.
// Heuristic only: many releases over a long period score higher than a
// single fresh upload.
func score(p pypiResponse) int {
	s := 0
	releases := len(p.Releases)
	switch {
	case releases >= 50:
		s += 50
	case releases >= 10:
		s += 35
	case releases >= 3:
		s += 20
	case releases >= 1:
		s += 10
	}

	if last := lastRelease(p); last != "" {
		if t, err := time.Parse(time.RFC3339, last); err == nil {
			age := time.Since(t)
			switch {
			case age < 180*24*time.Hour:
				s += 30
			case age < 2*365*24*time.Hour:
				s += 20
			default:
				s += 5
			}
		}
	}

	if p.Info.Author != "" {
		s += 10
	}
	if p.Info.Summary != "" {
		s += 10
	}
	if s > 100 {
		s = 100
	}
	return s
}

func level(score int) models.SafetyLevel {
	switch {
	case score >= 70:
		return models.SafetyLow
	case score >= 40:
		return models.SafetyMedium
	case score > 0:
		return models.SafetyHigh
	default:
		return models.SafetyUnknown
	}
}
