package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	defaultTerminationInterval = time.Second

	// defaultTerminationBudget applies when a notice names no deadline.
	defaultTerminationBudget = 2 * time.Minute
)

// terminationMonitorConfig configures the host termination watcher.
type terminationMonitorConfig struct {
	// URL is the instance metadata endpoint that announces termination,
	// e.g. http://169.254.169.254/latest/meta-data/spot/instance-action.
	URL string

	Logger *zap.Logger

	// OnNotice fires once when a termination notice appears. Called from
	// the monitor goroutine.
	OnNotice func(reason string, budget time.Duration)

	// Interval paces the polls. Default one second.
	Interval time.Duration
}

// terminationMonitor polls an instance metadata endpoint for a host
// termination notice and turns the first one into a drain with whatever
// budget the platform advertised.
type terminationMonitor struct {
	cfg  terminationMonitorConfig
	rest *resty.Client

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// terminationNotice is the JSON body of an instance-action notice.
type terminationNotice struct {
	Action string    `json:"action"`
	Time   time.Time `json:"time"`
}

func newTerminationMonitor(cfg terminationMonitorConfig) *terminationMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultTerminationInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &terminationMonitor{
		cfg:    cfg,
		rest:   resty.New().SetTimeout(cfg.Interval),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins polling. The monitor stops itself after the first notice.
func (m *terminationMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

// Stop halts polling and waits for the monitor goroutine to exit.
func (m *terminationMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *terminationMonitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.check(ctx) {
				return
			}
		}
	}
}

// check polls the endpoint once and reports whether a notice fired. Anything
// but a 200 means no notice is pending.
func (m *terminationMonitor) check(ctx context.Context) bool {
	resp, err := m.rest.R().SetContext(ctx).Get(m.cfg.URL)
	if err != nil {
		m.cfg.Logger.Debug("Termination check failed", zap.Error(err))
		return false
	}
	if resp.StatusCode() != http.StatusOK {
		return false
	}

	body := resp.Body()
	reason := "host termination notice"
	budget := defaultTerminationBudget

	var notice terminationNotice
	if err := json.Unmarshal(body, &notice); err == nil && notice.Action != "" {
		reason = fmt.Sprintf("host termination notice (%s)", notice.Action)
		if !notice.Time.IsZero() {
			budget = time.Until(notice.Time)
			if budget < 0 {
				budget = 0
			}
		}
	} else if !strings.Contains(string(body), "Terminated") {
		return false
	}

	m.cfg.Logger.Warn("Host termination notice received",
		zap.String("reason", reason),
		zap.Duration("budget", budget))
	m.cfg.OnNotice(reason, budget)
	return true
}
