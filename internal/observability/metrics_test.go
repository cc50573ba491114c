package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RecordsOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.Login("success")
	m.Login("success")
	m.Login("rate_limited")
	m.Registration("conflict")
	m.TokenCheck("forbidden")
	m.ObserveHash(20 * time.Millisecond)

	if got := testutil.ToFloat64(m.LoginsTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("logins success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LoginsTotal.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("logins rate_limited = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RegistrationsTotal.WithLabelValues("conflict")); got != 1 {
		t.Errorf("registrations conflict = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokenChecksTotal.WithLabelValues("forbidden")); got != 1 {
		t.Errorf("token checks forbidden = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.PasswordHashSeconds); got != 1 {
		t.Errorf("hash histogram series = %d, want 1", got)
	}
}

func TestNewMetrics_DoubleRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	NewMetrics(registry)
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/admins/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodDelete, "/admins/users/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodDelete, "/admins/users/{id}", "204"))
	if got != 3 {
		t.Errorf("requests = %v, want 3", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.Login("invalid_credentials")

	srv := httptest.NewServer(Handler(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `authgate_logins_total{result="invalid_credentials"} 1`) {
		t.Errorf("metrics output missing login counter:\n%s", body)
	}
}
