package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-io/testpilot/pkg/report"
)

func TestLoadPlan(t *testing.T) {
	plan := `
test_name: checkout
test_type: stress
url: https://shop.test/checkout
concurrent_users: 40
duration: 120
thresholds:
  response_time: 800
  error_rate: 2.5
  throughput: null
custom_parameters:
  method: POST
  headers:
    X-Tenant: acme
  body:
    sku: A-1
`

	req, err := loadPlan(strings.NewReader(plan))
	require.NoError(t, err)

	assert.Equal(t, "checkout", req.TestName)
	assert.Equal(t, "stress", req.TestType)
	require.NotNil(t, req.ConcurrentUsers)
	assert.Equal(t, 40, *req.ConcurrentUsers)
	require.NotNil(t, req.Duration)
	assert.Equal(t, 120, *req.Duration)
	assert.Nil(t, req.RampUpTime)
	assert.Equal(t, 800, req.Thresholds["response_time"])
	assert.InDelta(t, 2.5, req.Thresholds["error_rate"], 0)
	assert.Contains(t, req.Thresholds, "throughput")
	assert.Nil(t, req.Thresholds["throughput"])
	assert.Equal(t, "POST", req.CustomParameters["method"])
}

func TestLoadPlan_Errors(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want string
	}{
		{name: "empty", plan: "", want: "plan is empty"},
		{name: "unknown key", plan: "test_type: load\nusers: 5\n", want: "parsing plan"},
		{name: "wrong type", plan: "concurrent_users: many\n", want: "parsing plan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadPlan(strings.NewReader(tt.plan))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRenderReport(t *testing.T) {
	doc := &report.Document{RunID: "r1", TestName: "checkout", TestType: "load"}

	md, err := renderReport(doc, "markdown")
	require.NoError(t, err)
	assert.Contains(t, string(md), "checkout")

	js, err := renderReport(doc, "json")
	require.NoError(t, err)
	assert.Contains(t, string(js), `"run_id": "r1"`)

	_, err = renderReport(doc, "pdf")
	require.Error(t, err)
}
