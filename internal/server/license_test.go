package server

import (
	"context"
	"net/http"
	"testing"

	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	"gorm.io/gorm"
)

func TestLicenseRoutesRequireBearer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.server.Public(), http.MethodGet, "/license/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = env.do(t, env.server.Public(), http.MethodGet, "/license/status", "", map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestFirstContactCreatesTrial(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.server.Public(), http.MethodGet, "/license/status", "", map[string]string{
		"Authorization": env.bearer(t, "user-1"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["tier"] != "trial" || body["device_limit"] != float64(1) || body["devices_used"] != float64(0) {
		t.Fatalf("unexpected status: %v", body)
	}
}

func TestActivateDeactivateFlow(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": env.bearer(t, "user-1")}
	public := env.server.Public()

	rec := env.do(t, public, http.MethodPost, "/license/activate", `{"device_id":"mac-1","name":"Laptop"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	license, _ := body["license"].(map[string]any)
	token, _ := license["token"].(string)
	claims, err := env.licenses.Verify(token)
	if err != nil {
		t.Fatalf("license token invalid: %v", err)
	}
	if claims.Subject != "user-1" || claims.DeviceID != "mac-1" || claims.Tier != entdomain.TierTrial {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	rec = env.do(t, public, http.MethodPost, "/license/activate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-activate: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, public, http.MethodPost, "/license/activate", `{"device_id":"mac-2"}`, auth)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second device on trial: expected 409, got %d", rec.Code)
	}
	if got := errorType(t, rec); got != "limit_exceeded" {
		t.Fatalf("expected limit_exceeded, got %q", got)
	}

	rec = env.do(t, public, http.MethodPost, "/license/validate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec = env.do(t, public, http.MethodDelete, "/license/machines/mac-1", "", auth)
		if rec.Code != http.StatusOK {
			t.Fatalf("deactivate %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec = env.do(t, public, http.MethodPost, "/license/validate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("validate inactive: expected 404, got %d", rec.Code)
	}

	rec = env.do(t, public, http.MethodGet, "/license/machines?include_inactive=true", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	machines, _ := decodeJSON(t, rec)["machines"].([]any)
	if len(machines) != 1 {
		t.Fatalf("expected 1 machine record, got %d", len(machines))
	}
}

func TestSuspendedSubjectGetsNoLicense(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": env.bearer(t, "user-1")}
	public := env.server.Public()

	rec := env.do(t, public, http.MethodPost, "/license/activate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", rec.Code)
	}

	_, err := env.store.WithSubject(context.Background(), "user-1", func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		cur.Tier = entdomain.TierSuspended
		return &cur, nil
	})
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}

	rec = env.do(t, public, http.MethodPost, "/license/validate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("validate while suspended: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOfflineKeyRequiresActiveDevice(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": env.bearer(t, "user-1")}
	public := env.server.Public()

	rec := env.do(t, public, http.MethodPost, "/license/offline-key", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusNotFound || errorType(t, rec) != "unknown_device" {
		t.Fatalf("offline key before activation: expected 404 unknown_device, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, public, http.MethodPost, "/license/offline-key", `{"device_id":" "}`, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("offline key without device: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, public, http.MethodPost, "/license/activate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", rec.Code)
	}
	rec = env.do(t, public, http.MethodPost, "/license/offline-key", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("offline key: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	license, _ := decodeJSON(t, rec)["license"].(map[string]any)
	token, _ := license["token"].(string)
	claims, err := env.licenses.Verify(token)
	if err != nil {
		t.Fatalf("offline key token invalid: %v", err)
	}
	if claims.Subject != "user-1" || claims.DeviceID != "mac-1" || claims.DeviceLimit != 1 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	rec = env.do(t, public, http.MethodDelete, "/license/machines/mac-1", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", rec.Code)
	}
	rec = env.do(t, public, http.MethodPost, "/license/offline-key", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("offline key after deactivation: expected 404, got %d", rec.Code)
	}
}

func TestOfflineKeyRefusedWhileSuspended(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": env.bearer(t, "user-1")}
	public := env.server.Public()

	rec := env.do(t, public, http.MethodPost, "/license/activate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", rec.Code)
	}
	_, err := env.store.WithSubject(context.Background(), "user-1", func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		cur.Tier = entdomain.TierSuspended
		return &cur, nil
	})
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}

	rec = env.do(t, public, http.MethodPost, "/license/offline-key", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusForbidden || errorType(t, rec) != "suspended" {
		t.Fatalf("offline key while suspended: expected 403 suspended, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMeReturnsIdentityAndEntitlement(t *testing.T) {
	env := newTestEnv(t)
	public := env.server.Public()

	if rec := env.do(t, public, http.MethodGet, "/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("me without bearer: expected 401, got %d", rec.Code)
	}

	auth := map[string]string{"Authorization": env.bearer(t, "user-1")}
	rec := env.do(t, public, http.MethodPost, "/license/activate", `{"device_id":"mac-1"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, public, http.MethodGet, "/me", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["subject"] != "user-1" || body["email"] != "user-1@example.com" {
		t.Fatalf("unexpected identity: %v", body)
	}
	if body["tier"] != "trial" || body["device_limit"] != float64(1) || body["devices_used"] != float64(1) {
		t.Fatalf("unexpected entitlement profile: %v", body)
	}
	if body["has_billing"] != false {
		t.Fatalf("expected no billing account yet, got %v", body["has_billing"])
	}
}

func TestCheckoutRoute(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": env.bearer(t, "user-1")}
	public := env.server.Public()

	rec := env.do(t, public, http.MethodPost, "/checkout", `{"tier":"pro"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["session_id"] != "cs_user-1" || body["url"] == "" {
		t.Fatalf("unexpected checkout response: %v", body)
	}

	rec = env.do(t, public, http.MethodPost, "/checkout", `{"tier":"gold"}`, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid tier: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, public, http.MethodPost, "/checkout", `{"tier":"pro","success_url":"https://evil.example.net"}`, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("foreign redirect: expected 400, got %d", rec.Code)
	}

	ent, err := env.store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ent.Tier != entdomain.TierTrial {
		t.Fatalf("checkout must not grant entitlement, got %s", ent.Tier)
	}

	rec = env.do(t, public, http.MethodPost, "/billing/portal", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("portal: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
