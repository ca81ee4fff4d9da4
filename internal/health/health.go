package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"bucketgate/internal/objectstore"
)

// DatabaseTimeout bounds the credential store probe.
const DatabaseTimeout = 10 * time.Second

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Indicator is the state of one dependency.
type Indicator struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the composite result. Info holds the dependencies that are up, Error the
// ones that are down, Details all of them.
type Report struct {
	Status  string               `json:"status"`
	Info    map[string]Indicator `json:"info"`
	Error   map[string]Indicator `json:"error"`
	Details map[string]Indicator `json:"details"`
}

// Check probes one dependency. A nil error means up.
type Check struct {
	Name    string
	Timeout time.Duration
	Probe   func(ctx context.Context) error
}

type Aggregator struct {
	checks []Check
}

func NewAggregator(checks ...Check) *Aggregator {
	return &Aggregator{checks: checks}
}

// Run executes all checks concurrently. The report is "ok" only when every check is up.
func (a *Aggregator) Run(ctx context.Context) Report {
	results := make([]Indicator, len(a.checks))

	var g errgroup.Group
	for i, check := range a.checks {
		g.Go(func() error {
			results[i] = runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:  StatusOK,
		Info:    make(map[string]Indicator),
		Error:   make(map[string]Indicator),
		Details: make(map[string]Indicator, len(a.checks)),
	}
	for i, check := range a.checks {
		ind := results[i]
		report.Details[check.Name] = ind
		if ind.Status == string(objectstore.HealthUp) {
			report.Info[check.Name] = ind
			continue
		}
		report.Error[check.Name] = ind
		report.Status = StatusError
	}
	return report
}

func runCheck(ctx context.Context, check Check) (ind Indicator) {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			ind = Indicator{Status: string(objectstore.HealthDown), Message: fmt.Sprint(r)}
		}
	}()

	if err := check.Probe(ctx); err != nil {
		return Indicator{Status: string(objectstore.HealthDown), Message: err.Error()}
	}
	return Indicator{Status: string(objectstore.HealthUp)}
}

// Pinger is a store that answers a lightweight read.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck probes the credential store with DatabaseTimeout.
func DatabaseCheck(name string, db Pinger) Check {
	return Check{
		Name:    name,
		Timeout: DatabaseTimeout,
		Probe:   db.Ping,
	}
}

// ObjectStoreChecker reports object store reachability.
type ObjectStoreChecker interface {
	CheckHealth(ctx context.Context) objectstore.HealthStatus
}

// ObjectStoreCheck adapts the gateway's own health report.
func ObjectStoreCheck(name string, store ObjectStoreChecker) Check {
	return Check{
		Name: name,
		Probe: func(ctx context.Context) error {
			status := store.CheckHealth(ctx)
			if status.Status == objectstore.HealthUp {
				return nil
			}
			if status.Message == "" {
				return errors.New("object store is down")
			}
			return errors.New(status.Message)
		},
	}
}
