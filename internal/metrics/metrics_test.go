package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestLocalMirrorsFollowCounters(t *testing.T) {
	before := Snap()
	IncSocketDropped()
	IncSocketRx()
	IncBackendRx("virtual")
	IncError(ErrLinkLost)
	after := Snap()
	if after.SocketDropped != before.SocketDropped+1 || after.SocketRx != before.SocketRx+1 {
		t.Fatalf("socket mirrors: before=%+v after=%+v", before, after)
	}
	if after.BackendRx != before.BackendRx+1 || after.Errors != before.Errors+1 {
		t.Fatalf("backend/errors mirrors: before=%+v after=%+v", before, after)
	}
}

func TestReadiness(t *testing.T) {
	SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("unset readiness should report ready")
	}
	SetReadinessFunc(func() bool { return false })
	defer SetReadinessFunc(nil)
	if IsReady() {
		t.Fatalf("expected not ready")
	}
}

func TestMetricsHandlerExposesSocketSeries(t *testing.T) {
	IncDelivered()
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "qcan_dispatch_delivered_frames_total") {
		t.Fatalf("series missing from exposition")
	}
}
