package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTenantRegistryAndUsage(t *testing.T) {
	s := NewService()

	if err := s.AddTenant("acme"); err != nil {
		t.Fatalf("AddTenant: %v", err)
	}
	if err := s.AddTenant("acme"); err == nil {
		t.Error("duplicate tenant should fail")
	}
	if err := s.AddTenant("Not Valid!"); err == nil {
		t.Error("invalid namespace should fail")
	}
	if err := s.AddAgent("acme", "worker-1"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := s.AddAgent("ghost", "worker-1"); err == nil {
		t.Error("agent for unknown tenant should fail")
	}

	if err := s.RecordUsage("acme", Usage{Calls: 3, Callbacks: 2}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := s.RecordUsage("acme", Usage{Calls: 1, Rejected: 1}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	u := s.Usage("acme")
	if u.Calls != 4 || u.Callbacks != 2 || u.Rejected != 1 {
		t.Errorf("usage = %+v", u)
	}
	if got := s.Agents("acme"); len(got) != 1 || got[0] != "worker-1" {
		t.Errorf("agents = %v", got)
	}
}

func TestHandlerRBAC(t *testing.T) {
	s := NewService()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	post := func(path string, role string, body any) *http.Response {
		t.Helper()
		b, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(b))
		if role != "" {
			req.Header.Set("X-Role", role)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := post("/tenants", "", map[string]string{"id": "acme"}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous create = %d", resp.StatusCode)
	}
	if resp := post("/tenants", "admin", map[string]any{"id": "acme", "agents": []string{"w1"}}); resp.StatusCode != http.StatusCreated {
		t.Errorf("admin create = %d", resp.StatusCode)
	}
	if resp := post("/usage", "admin", map[string]any{"tenant_id": "acme", "usage": Usage{Calls: 5}}); resp.StatusCode != http.StatusAccepted {
		t.Errorf("admin usage = %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/usage?tenant_id=acme")
	if err != nil {
		t.Fatalf("GET usage: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Usage  Usage    `json:"usage"`
		Agents []string `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Usage.Calls != 5 || len(out.Agents) != 1 {
		t.Errorf("usage response = %+v", out)
	}
}
