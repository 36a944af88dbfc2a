package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestStartCronJobsRunsJob(t *testing.T) {
	ran := make(chan struct{}, 1)
	c, err := StartCronJobs(zap.NewNop(), CronJob{
		Name: "tick",
		Spec: "@every 1s",
		Run: func() {
			select {
			case ran <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not run")
	}
}

func TestStartCronJobsRejectsBadSpec(t *testing.T) {
	if _, err := StartCronJobs(zap.NewNop(), CronJob{Name: "bad", Spec: "every minute", Run: func() {}}); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusTeapot, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTeapot || w.Body.String() != "pong" {
		t.Fatalf("response = %d %q", w.Code, w.Body.String())
	}
}
