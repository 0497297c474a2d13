// Package driver generates closed-loop HTTP load against a single URL.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/testpilot-io/testpilot/pkg/sink"
)

// SetupError reports a plan that cannot be executed at all.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver setup: %s: %v", e.Reason, e.Err)
	}

	return "driver setup: " + e.Reason
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Recorder receives every sample the driver produces.
type Recorder interface {
	Record(sample sink.Sample)
}

// Plan describes one load run.
type Plan struct {
	TestType TestType
	URL      string
	Users    int
	Duration time.Duration
	RampUp   time.Duration
	Method   string
	Headers  map[string]string
	Body     string
}

// Config holds driver-wide timing settings.
type Config struct {
	RequestTimeout time.Duration
	GracePeriod    time.Duration
}

// Stats describes how a run ended.
type Stats struct {
	Started   time.Time
	Stopped   time.Time
	Requests  int64
	Abandoned int64
	Cancelled bool
}

// Driver runs load plans.
type Driver interface {
	Run(ctx context.Context, plan Plan, rec Recorder) (*Stats, error)
}

// Compile-time interface check.
var _ Driver = (*driver)(nil)

type driver struct {
	log logrus.FieldLogger
	cfg Config
}

// New creates a new Driver.
func New(log logrus.FieldLogger, cfg Config) Driver {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}

	return &driver{
		log: log.WithField("component", "driver"),
		cfg: cfg,
	}
}

// Run executes the plan, blocking until every virtual user has stopped.
// Cancelling ctx stops issuing new requests and drains in-flight ones the
// same way reaching the scheduled end does.
func (d *driver) Run(ctx context.Context, plan Plan, rec Recorder) (*Stats, error) {
	target, err := validatePlan(&plan)
	if err != nil {
		return nil, err
	}

	sched, err := BuildSchedule(plan.TestType, plan.Users, plan.Duration, plan.RampUp)
	if err != nil {
		return nil, &SetupError{Reason: "invalid schedule", Err: err}
	}

	log := d.log.WithFields(logrus.Fields{
		"url":       target.Redacted(),
		"test_type": plan.TestType,
		"users":     plan.Users,
		"end":       sched.End,
	})

	client := newClient(plan.Users, d.cfg.RequestTimeout)
	defer client.CloseIdleConnections()

	stats := &Stats{Started: time.Now()}

	issueCtx, cancelIssue := context.WithDeadline(ctx, stats.Started.Add(sched.End))
	defer cancelIssue()

	// In-flight requests outlive the issuing window by the grace period.
	reqCtx, cancelReq := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelReq()

	go func() {
		select {
		case <-issueCtx.Done():
		case <-reqCtx.Done():
			return
		}

		timer := time.NewTimer(d.cfg.GracePeriod)
		defer timer.Stop()

		select {
		case <-timer.C:
			cancelReq()
		case <-reqCtx.Done():
		}
	}()

	log.Info("Starting load")

	var (
		g         errgroup.Group
		requests  atomic.Int64
		abandoned atomic.Int64
	)

	for i, offset := range sched.Offsets {
		startAt := stats.Started.Add(offset)

		g.Go(func() error {
			if !waitUntil(issueCtx, startAt) {
				return nil
			}

			for issueCtx.Err() == nil {
				requests.Add(1)

				if !d.issue(reqCtx, client, &plan, rec) {
					abandoned.Add(1)
				}
			}

			log.WithField("vu", i).Debug("Virtual user stopped")

			return nil
		})
	}

	_ = g.Wait()

	stats.Stopped = time.Now()
	stats.Requests = requests.Load()
	stats.Abandoned = abandoned.Load()
	stats.Cancelled = ctx.Err() != nil

	log.WithFields(logrus.Fields{
		"requests":  stats.Requests,
		"abandoned": stats.Abandoned,
		"cancelled": stats.Cancelled,
		"elapsed":   stats.Stopped.Sub(stats.Started).Round(time.Millisecond),
	}).Info("Load finished")

	return stats, nil
}

// issue performs one request and records its sample. It returns false when
// the request was abandoned because the grace period ran out.
func (d *driver) issue(ctx context.Context, client *http.Client, plan *Plan, rec Recorder) bool {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	sample := sink.Sample{Start: start}

	var body io.Reader
	if plan.Body != "" {
		body = strings.NewReader(plan.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, plan.Method, plan.URL, body)
	if err != nil {
		sample.Elapsed = time.Since(start)
		rec.Record(sample)

		return true
	}

	for k, v := range plan.Headers {
		if strings.EqualFold(k, "Host") {
			req.Host = v

			continue
		}

		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		sample.Elapsed = time.Since(start)
		rec.Record(sample)

		return ctx.Err() == nil
	}

	n, copyErr := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	sample.Elapsed = time.Since(start)
	sample.Bytes = n
	sample.Status = resp.StatusCode
	sample.OK = resp.StatusCode >= 200 && resp.StatusCode < 400

	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		sample.OK = false

		if ctx.Err() != nil {
			sample.Status = 0
			rec.Record(sample)

			return false
		}
	}

	rec.Record(sample)

	return true
}

// Validate reports, as a *SetupError, why plan could not be run.
func Validate(plan Plan) error {
	if _, err := validatePlan(&plan); err != nil {
		return err
	}

	if _, err := BuildSchedule(plan.TestType, plan.Users, plan.Duration, plan.RampUp); err != nil {
		return &SetupError{Reason: "invalid schedule", Err: err}
	}

	return nil
}

func validatePlan(plan *Plan) (*url.URL, error) {
	target, err := url.Parse(plan.URL)
	if err != nil {
		return nil, &SetupError{Reason: "invalid url", Err: err}
	}

	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, &SetupError{Reason: fmt.Sprintf("unsupported scheme %q", target.Scheme)}
	}

	if target.Host == "" {
		return nil, &SetupError{Reason: "url has no host"}
	}

	if _, err := ParseTestType(string(plan.TestType)); err != nil {
		return nil, &SetupError{Reason: "invalid test type", Err: err}
	}

	if plan.Method == "" {
		plan.Method = http.MethodGet
	}

	plan.Method = strings.ToUpper(plan.Method)

	return target, nil
}

func newClient(users int, requestTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          users,
		MaxIdleConnsPerHost:   users,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// waitUntil blocks until t or until ctx ends, reporting whether t was reached.
func waitUntil(ctx context.Context, t time.Time) bool {
	wait := time.Until(t)
	if wait <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}
