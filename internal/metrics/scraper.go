package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// TaskStatus is one task's state as read back from a /metrics endpoint.
type TaskStatus struct {
	Name     string
	State    string
	Running  bool
	Restarts float64
	Runs     float64
	Spawns   float64
	Failures float64
	Retries  float64
	Lines    float64

	LastExitCode  int
	LastExitKnown bool

	RunCount      uint64
	RunTimeMean   time.Duration
	ExitsByReason map[string]float64
}

// Status is a snapshot of a running go-watchdo instance.
type Status struct {
	Version string
	Tasks   []TaskStatus
}

// Scraper reads the metrics endpoint of another go-watchdo process.
type Scraper struct {
	url        string
	logger     *slog.Logger
	httpClient *http.Client
}

// NewScraper creates a scraper for url. A bare host:port gets the
// http scheme and /metrics path added.
func NewScraper(url string, timeout time.Duration, logger *slog.Logger) *Scraper {
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/metrics") {
		url = strings.TrimSuffix(url, "/") + "/metrics"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Scraper{
		url:    url,
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// URL returns the endpoint being scraped.
func (s *Scraper) URL() string {
	return s.url
}

// Scrape fetches and decodes the endpoint.
func (s *Scraper) Scrape(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	families, err := DecodeFamilies(resp.Body)
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debug("metrics_scraped", "url", s.url, "families", len(families))
	}
	return StatusFromFamilies(families), nil
}

// DecodeFamilies parses Prometheus text exposition format.
func DecodeFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(r, expfmt.FmtText)
	parsed := make(map[string]*dto.MetricFamily)

	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		parsed[mf.GetName()] = &mf
	}
	return parsed, nil
}

// StatusFromFamilies extracts the watchdo_* series. Tasks are sorted by name.
func StatusFromFamilies(families map[string]*dto.MetricFamily) *Status {
	st := &Status{}
	if mf, ok := families[MetricInfo]; ok {
		for _, m := range mf.GetMetric() {
			st.Version = labelValue(m, "version")
		}
	}

	tasks := make(map[string]*TaskStatus)
	get := func(m *dto.Metric) *TaskStatus {
		name := labelValue(m, "task")
		ts, ok := tasks[name]
		if !ok {
			ts = &TaskStatus{Name: name, State: "unknown", ExitsByReason: make(map[string]float64)}
			tasks[name] = ts
		}
		return ts
	}

	eachMetric(families, MetricTaskState, func(m *dto.Metric) {
		get(m).State = stateName(int(m.GetGauge().GetValue()))
	})
	eachMetric(families, MetricTaskRunning, func(m *dto.Metric) {
		get(m).Running = m.GetGauge().GetValue() == 1
	})
	eachMetric(families, MetricTaskRestarts, func(m *dto.Metric) {
		get(m).Restarts += m.GetCounter().GetValue()
	})
	eachMetric(families, MetricTaskRuns, func(m *dto.Metric) {
		get(m).Runs = m.GetCounter().GetValue()
	})
	eachMetric(families, MetricTaskSpawns, func(m *dto.Metric) {
		get(m).Spawns = m.GetCounter().GetValue()
	})
	eachMetric(families, MetricTaskFailures, func(m *dto.Metric) {
		get(m).Failures = m.GetCounter().GetValue()
	})
	eachMetric(families, MetricTaskRetries, func(m *dto.Metric) {
		get(m).Retries = m.GetCounter().GetValue()
	})
	eachMetric(families, MetricTaskLines, func(m *dto.Metric) {
		get(m).Lines = m.GetCounter().GetValue()
	})
	eachMetric(families, MetricTaskExits, func(m *dto.Metric) {
		get(m).ExitsByReason[labelValue(m, "category")] = m.GetCounter().GetValue()
	})
	eachMetric(families, MetricTaskLastExit, func(m *dto.Metric) {
		ts := get(m)
		code := int(m.GetGauge().GetValue())
		ts.LastExitCode = code
		ts.LastExitKnown = code >= 0
	})
	eachMetric(families, MetricTaskRunTime, func(m *dto.Metric) {
		ts := get(m)
		h := m.GetHistogram()
		ts.RunCount = h.GetSampleCount()
		if ts.RunCount > 0 {
			ts.RunTimeMean = time.Duration(h.GetSampleSum() / float64(ts.RunCount) * float64(time.Second))
		}
	})

	st.Tasks = make([]TaskStatus, 0, len(tasks))
	for _, ts := range tasks {
		st.Tasks = append(st.Tasks, *ts)
	}
	sort.Slice(st.Tasks, func(i, j int) bool {
		return st.Tasks[i].Name < st.Tasks[j].Name
	})
	return st
}

func eachMetric(families map[string]*dto.MetricFamily, name string, fn func(*dto.Metric)) {
	mf, ok := families[name]
	if !ok {
		return
	}
	for _, m := range mf.GetMetric() {
		fn(m)
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, label := range m.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

// stateName mirrors the ordinals exported by SetState.
func stateName(n int) string {
	switch n {
	case 0:
		return "idle"
	case 1:
		return "debouncing"
	case 2:
		return "running"
	case 3:
		return "stopped"
	default:
		return "unknown"
	}
}
