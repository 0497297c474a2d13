package coordinator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-io/testpilot/pkg/driver"
	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

func intPtr(v int) *int { return &v }

func TestValidate_Defaults(t *testing.T) {
	s, err := validate(Request{TestType: "Load", URL: " http://shop.test/cart "}, 0)
	require.NoError(t, err)

	assert.Equal(t, driver.TestTypeLoad, s.TestType)
	assert.Equal(t, "http://shop.test/cart", s.URL)
	assert.Equal(t, "load test of shop.test", s.TestName)
	assert.Equal(t, DefaultUsers, s.Users)
	assert.Equal(t, DefaultDurationS, s.DurationS)
	assert.Equal(t, DefaultRampUpS, s.RampUpS)
	assert.Equal(t, threshold.Defaults(), s.Thresholds)
	assert.Equal(t, "GET", s.Plan.Method)
	assert.Equal(t, 70*time.Second, s.scheduled())
}

func TestValidate_EmptyThresholdsDisableRules(t *testing.T) {
	s, err := validate(Request{
		TestType:   "spike",
		URL:        "https://api.test",
		Duration:   intPtr(5),
		RampUpTime: intPtr(30),
		Thresholds: threshold.Config{},
	}, 0)
	require.NoError(t, err)

	assert.Empty(t, s.Thresholds)
	assert.Equal(t, 5*time.Second, s.scheduled(), "spike ignores ramp-up")
	assert.Equal(t, threshold.Pass, threshold.Evaluate(sink.SummaryMetrics{TotalRequests: 1}, s.Thresholds).Overall)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{name: "unknown type", req: Request{TestType: "soak", URL: "http://x.test"}, field: "test_type"},
		{name: "missing type", req: Request{URL: "http://x.test"}, field: "test_type"},
		{name: "ftp url", req: Request{TestType: "load", URL: "ftp://x.test"}, field: "url"},
		{name: "relative url", req: Request{TestType: "load", URL: "/path"}, field: "url"},
		{name: "zero users", req: Request{TestType: "load", URL: "http://x.test", ConcurrentUsers: intPtr(0)}, field: "concurrent_users"},
		{name: "too many users", req: Request{TestType: "load", URL: "http://x.test", ConcurrentUsers: intPtr(51)}, field: "concurrent_users"},
		{name: "zero duration", req: Request{TestType: "load", URL: "http://x.test", Duration: intPtr(0)}, field: "duration"},
		{name: "negative ramp", req: Request{TestType: "load", URL: "http://x.test", RampUpTime: intPtr(-1)}, field: "ramp_up_time"},
		{
			name:  "string threshold",
			req:   Request{TestType: "load", URL: "http://x.test", Thresholds: threshold.Config{"error_rate": "high"}},
			field: "thresholds.error_rate",
		},
		{
			name:  "infinite threshold",
			req:   Request{TestType: "load", URL: "http://x.test", Thresholds: threshold.Config{"response_time": math.Inf(1)}},
			field: "thresholds.response_time",
		},
		{
			name:  "NaN threshold",
			req:   Request{TestType: "load", URL: "http://x.test", Thresholds: threshold.Config{"throughput": math.NaN()}},
			field: "thresholds.throughput",
		},
		{
			name:  "numeric method",
			req:   Request{TestType: "load", URL: "http://x.test", CustomParameters: map[string]any{"method": 5}},
			field: "custom_parameters.method",
		},
		{
			name:  "list headers",
			req:   Request{TestType: "load", URL: "http://x.test", CustomParameters: map[string]any{"headers": []any{"a"}}},
			field: "custom_parameters.headers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validate(tt.req, 50)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidate_CustomParameters(t *testing.T) {
	s, err := validate(Request{
		TestType: "load",
		URL:      "http://x.test/orders",
		CustomParameters: map[string]any{
			"method":  "post",
			"headers": map[string]any{"X-Tenant": "acme", "X-Retry": 3},
			"body":    map[string]any{"sku": "A-1", "qty": 2},
		},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, "POST", s.Plan.Method)
	assert.Equal(t, "acme", s.Plan.Headers["X-Tenant"])
	assert.Equal(t, "3", s.Plan.Headers["X-Retry"])
	assert.Equal(t, "application/json", s.Plan.Headers["Content-Type"])
	assert.JSONEq(t, `{"sku":"A-1","qty":2}`, s.Plan.Body)

	s, err = validate(Request{
		TestType: "load",
		URL:      "http://x.test/orders",
		CustomParameters: map[string]any{
			"headers": map[string]any{"content-type": "text/plain"},
			"body":    "raw",
		},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, "raw", s.Plan.Body)
	assert.Equal(t, "text/plain", s.Plan.Headers["content-type"])
	assert.NotContains(t, s.Plan.Headers, "Content-Type")
}
