package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(s Status) Check {
	return func(context.Context) ComponentHealth { return ComponentHealth{Status: s} }
}

func TestRunAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"all up", map[string]Check{"a": fixed(StatusUp), "b": fixed(StatusUp)}, StatusUp},
		{"degraded", map[string]Check{"a": fixed(StatusUp), "b": fixed(StatusDegraded)}, StatusDegraded},
		{"down wins", map[string]Check{"a": fixed(StatusDegraded), "b": fixed(StatusDown)}, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for n, ch := range tt.checks {
				c.Register(n, ch)
			}
			r := c.Run(context.Background())
			assert.Equal(t, tt.want, r.Status)
			assert.Len(t, r.Components, len(tt.checks))
		})
	}
}

func TestPingCheck(t *testing.T) {
	up := PingCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusUp, up.Status)

	down := PingCheck(func(context.Context) error { return errors.New("refused") })(context.Background())
	assert.Equal(t, StatusDown, down.Status)
	assert.Equal(t, "refused", down.Message)
}

func TestPingCheckBoundsHungPing(t *testing.T) {
	old := pingTimeout
	pingTimeout = 20 * time.Millisecond
	defer func() { pingTimeout = old }()

	hang := make(chan struct{})
	defer close(hang)
	start := time.Now()
	res := PingCheck(func(context.Context) error {
		<-hang
		return nil
	})(context.Background())

	assert.Equal(t, StatusDown, res.Status)
	assert.Contains(t, res.Message, "timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("cache", fixed(StatusDegraded))

	rec := httptest.NewRecorder()
	c.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var r Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&r))
	assert.Equal(t, StatusDegraded, r.Status)

	c.Register("postgres", fixed(StatusDown))
	rec = httptest.NewRecorder()
	c.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
