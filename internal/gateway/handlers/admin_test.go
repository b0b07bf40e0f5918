package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
)

func (h *harness) admin(method, path, body string) *http.Response {
	h.t.Helper()
	token, err := auth.GenerateToken("ops@example.com", auth.RoleAdmin, adminSecret, time.Hour)
	if err != nil {
		h.t.Fatal(err)
	}
	return h.do(method, path, token, body)
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/admin/metrics?months=3", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}

	// An API key is not an admin token.
	resp = h.do(http.MethodGet, "/admin/metrics?months=3", testSecret, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAdminMetrics(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	h.store.AddPayment(models.Payment{ID: "p1", Amount: decimal.NewFromInt(100), Currency: "USD", Status: models.PaymentSucceeded, PaidAt: now})
	h.store.AddPayment(models.Payment{ID: "p2", Amount: decimal.NewFromInt(50), Currency: "USD", Status: models.PaymentSucceeded, PaidAt: now})
	h.store.AddPayment(models.Payment{ID: "p3", Amount: decimal.NewFromInt(30), Currency: "EUR", Status: models.PaymentSucceeded, PaidAt: now})

	resp := h.admin(http.MethodGet, "/admin/metrics?months=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var report struct {
		Periods []struct {
			Period            string                     `json:"period"`
			RevenueByCurrency map[string]decimal.Decimal `json:"revenueByCurrency"`
		} `json:"periods"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if len(report.Periods) != 2 {
		t.Fatalf("periods = %d", len(report.Periods))
	}
	current := report.Periods[1]
	if current.Period != now.Format("2006-01") {
		t.Errorf("last period = %s", current.Period)
	}
	if !current.RevenueByCurrency["USD"].Equal(decimal.NewFromInt(150)) || !current.RevenueByCurrency["EUR"].Equal(decimal.NewFromInt(30)) {
		t.Errorf("revenue = %v", current.RevenueByCurrency)
	}
}

func TestAdminMetricsValidation(t *testing.T) {
	h := newHarness(t)

	for _, q := range []string{"", "months=0", "months=25", "year=2019", "year=2031", "months=3&year=2026", "months=abc"} {
		resp := h.admin(http.MethodGet, "/admin/metrics?"+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%q: status %d", q, resp.StatusCode)
			continue
		}
		if code := errorCode(t, resp); code != apierr.CodeInvalidParameter {
			t.Errorf("%q: code %s", q, code)
		}
	}
}

func TestAdminCacheOperationsRequireConfirmation(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/admin/cache/preload", "/admin/cache/reset", "/admin/cache/clear"} {
		for _, body := range []string{"", `{}`, `{"confirm":false}`} {
			resp := h.admin(http.MethodPost, path, body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("%s %q: status %d", path, body, resp.StatusCode)
			}
			if code := errorCode(t, resp); code != apierr.CodeConfirmationRequired {
				t.Errorf("%s: code %s", path, code)
			}
		}
	}
}

func TestAdminCacheLifecycle(t *testing.T) {
	h := newHarness(t)
	h.store.AddPlan(models.Plan{ID: "starter", Type: "subscription", Frontpage: true})
	h.store.AddPlan(models.Plan{ID: "boost", Type: "topup"})

	resp := h.admin(http.MethodPost, "/admin/cache/preload", `{"confirm":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preload: status %d", resp.StatusCode)
	}
	var preload struct {
		Keys  int      `json:"keys"`
		Types []string `json:"types"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&preload)
	if preload.Keys != 5 || len(preload.Types) != 2 {
		t.Errorf("preload = %+v", preload)
	}
	if !h.redis.Exists("plan:starter") {
		t.Error("plan not warmed")
	}

	resp = h.admin(http.MethodGet, "/admin/cache/status", "")
	body := readBody(t, resp)
	if !strings.Contains(body, `"state":"connected"`) || !strings.Contains(body, `"warmed":true`) {
		t.Errorf("status = %s", body)
	}

	resp = h.admin(http.MethodPost, "/admin/cache/clear", `{"confirm":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status %d", resp.StatusCode)
	}
	if h.redis.Exists("plan:starter") {
		t.Error("plan survived clear")
	}

	resp = h.admin(http.MethodPost, "/admin/cache/reset", `{"confirm":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, `"reset":true`) {
		t.Errorf("reset = %s", body)
	}
}

func TestAdminResetWhileCacheDown(t *testing.T) {
	h := newHarness(t)
	h.redis.Close()

	resp := h.admin(http.MethodPost, "/admin/cache/reset", `{"confirm":true}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, `"state":"disabled"`) {
		t.Errorf("body = %s", body)
	}
}

func TestAdminUpstreams(t *testing.T) {
	h := newHarness(t)
	h.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"}]}`))
	})

	resp := h.admin(http.MethodGet, "/admin/upstreams", "")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"reachable":true`) {
		t.Errorf("upstreams: %d %s", resp.StatusCode, body)
	}
}
