package coordinator

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/testpilot-io/testpilot/pkg/driver"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

// Request defaults.
const (
	DefaultUsers      = 10
	DefaultDurationS  = 60
	DefaultRampUpS    = 10
	maxTestNameLength = 200
)

// Request is a performance run request as received over the API or read
// from a plan file. Pointer fields distinguish "absent" from zero.
type Request struct {
	TestName         string           `json:"test_name" yaml:"test_name"`
	TestType         string           `json:"test_type" yaml:"test_type"`
	URL              string           `json:"url" yaml:"url"`
	ConcurrentUsers  *int             `json:"concurrent_users,omitempty" yaml:"concurrent_users"`
	Duration         *int             `json:"duration,omitempty" yaml:"duration"`
	RampUpTime       *int             `json:"ramp_up_time,omitempty" yaml:"ramp_up_time"`
	Thresholds       threshold.Config `json:"thresholds,omitempty" yaml:"thresholds"`
	CustomParameters map[string]any   `json:"custom_parameters,omitempty" yaml:"custom_parameters"`
}

// ValidationError reports an invalid run request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// spec is a validated request with defaults applied.
type spec struct {
	TestName   string
	TestType   driver.TestType
	URL        string
	Users      int
	DurationS  int
	RampUpS    int
	Thresholds threshold.Config
	Params     map[string]any
	Plan       driver.Plan
}

// scheduled returns how long the driver issues requests for.
func (s *spec) scheduled() time.Duration {
	if s.TestType == driver.TestTypeSpike {
		return s.Plan.Duration
	}

	return s.Plan.RampUp + s.Plan.Duration
}

func validate(req Request, maxUsers int) (*spec, error) {
	tt, err := driver.ParseTestType(strings.ToLower(strings.TrimSpace(req.TestType)))
	if err != nil {
		return nil, &ValidationError{
			Field:   "test_type",
			Message: "must be one of load, stress, spike, endurance",
		}
	}

	target := strings.TrimSpace(req.URL)

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Field: "url", Message: "must be an absolute http or https URL"}
	}

	s := &spec{
		TestName:  strings.TrimSpace(req.TestName),
		TestType:  tt,
		URL:       target,
		Users:     intOr(req.ConcurrentUsers, DefaultUsers),
		DurationS: intOr(req.Duration, DefaultDurationS),
		RampUpS:   intOr(req.RampUpTime, DefaultRampUpS),
		Params:    req.CustomParameters,
	}

	if s.TestName == "" {
		s.TestName = fmt.Sprintf("%s test of %s", tt, u.Host)
	}

	if len(s.TestName) > maxTestNameLength {
		return nil, &ValidationError{
			Field:   "test_name",
			Message: fmt.Sprintf("must be at most %d characters", maxTestNameLength),
		}
	}

	if s.Users < 1 {
		return nil, &ValidationError{Field: "concurrent_users", Message: "must be >= 1"}
	}

	if maxUsers > 0 && s.Users > maxUsers {
		return nil, &ValidationError{
			Field:   "concurrent_users",
			Message: fmt.Sprintf("must be <= %d", maxUsers),
		}
	}

	if s.DurationS < 1 {
		return nil, &ValidationError{Field: "duration", Message: "must be >= 1"}
	}

	if s.RampUpS < 0 {
		return nil, &ValidationError{Field: "ramp_up_time", Message: "must be >= 0"}
	}

	s.Thresholds = req.Thresholds
	if s.Thresholds == nil {
		s.Thresholds = threshold.Defaults()
	}

	for name, v := range s.Thresholds {
		if v == nil {
			continue
		}

		limit, err := threshold.ToFloat(v)
		if err != nil {
			return nil, &ValidationError{
				Field:   "thresholds." + name,
				Message: "must be a number or null",
			}
		}

		if math.IsNaN(limit) || math.IsInf(limit, 0) {
			return nil, &ValidationError{
				Field:   "thresholds." + name,
				Message: "must be finite",
			}
		}
	}

	method, headers, body, err := requestShape(s.Params)
	if err != nil {
		return nil, err
	}

	s.Plan = driver.Plan{
		TestType: tt,
		URL:      target,
		Users:    s.Users,
		Duration: time.Duration(s.DurationS) * time.Second,
		RampUp:   time.Duration(s.RampUpS) * time.Second,
		Method:   method,
		Headers:  headers,
		Body:     body,
	}

	return s, nil
}

// requestShape extracts method, headers and body from custom_parameters.
// Object bodies are sent as JSON.
func requestShape(params map[string]any) (string, map[string]string, string, error) {
	method := http.MethodGet

	if raw, ok := params["method"]; ok && raw != nil {
		m, ok := raw.(string)
		if !ok || strings.TrimSpace(m) == "" {
			return "", nil, "", &ValidationError{
				Field:   "custom_parameters.method",
				Message: "must be a non-empty string",
			}
		}

		method = strings.ToUpper(strings.TrimSpace(m))
	}

	var headers map[string]string

	if raw, ok := params["headers"]; ok && raw != nil {
		obj, ok := raw.(map[string]any)
		if !ok {
			return "", nil, "", &ValidationError{
				Field:   "custom_parameters.headers",
				Message: "must be an object",
			}
		}

		headers = make(map[string]string, len(obj))
		for k, v := range obj {
			headers[k] = fmt.Sprint(v)
		}
	}

	var body string

	switch raw := params["body"].(type) {
	case nil:
	case string:
		body = raw
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return "", nil, "", &ValidationError{
				Field:   "custom_parameters.body",
				Message: err.Error(),
			}
		}

		body = string(data)

		if headers == nil {
			headers = make(map[string]string, 1)
		}

		if !hasHeader(headers, "Content-Type") {
			headers["Content-Type"] = "application/json"
		}
	}

	return method, headers, body, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}

	return false
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}

	return *v
}
