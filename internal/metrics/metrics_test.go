package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/factomledger/internal/metrics"
	"github.com/jmerrifield20/factomledger/pkg/publish"
	"github.com/jmerrifield20/factomledger/pkg/walker"
)

// The recorders must stay assignable to the library callbacks.
var (
	_ publish.MetricsRecordFunc = metrics.RecordPublish
	_ walker.MetricsRecordFunc  = metrics.RecordWalk
)

func TestRecorders_exposed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(metrics.PrometheusMiddleware())
	r.GET("/metrics", metrics.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	metrics.RecordPublish("entry", "commit", true)
	metrics.RecordPublish("chain", "reveal", false)
	metrics.RecordPublish("entry", "unknown", true)
	metrics.RecordBlocksSealed(3)
	metrics.RecordWalk(7)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`factom_commits_total{kind="entry",result="success"} 1`,
		`factom_reveals_total{kind="chain",result="failure"} 1`,
		`factom_blocks_sealed_total 3`,
		`factom_walk_blocks_total 7`,
		`factom_requests_total{method="GET",path="/ping",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
