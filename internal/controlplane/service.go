// Package controlplane is the deployment-wide tenant registry: which
// tenants exist, which agents serve them, and how much traffic each one has
// generated.
package controlplane

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/your-org/meshgate/internal/security"
	"github.com/your-org/meshgate/internal/tenant"
)

// Usage aggregates one tenant's envelope traffic.
type Usage struct {
	Calls     int64 `json:"calls"`
	Callbacks int64 `json:"callbacks"`
	Rejected  int64 `json:"rejected"`
}

type Service struct {
	mu     sync.Mutex
	agents map[string]map[string]struct{}
	usage  map[string]Usage
}

func NewService() *Service {
	return &Service{
		agents: make(map[string]map[string]struct{}),
		usage:  make(map[string]Usage),
	}
}

// AddTenant registers a tenant namespace.
func (s *Service) AddTenant(id string) error {
	if err := tenant.Validate(id); err != nil {
		return err
	}
	id = tenant.Normalize(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; exists {
		return fmt.Errorf("tenant %q already exists", id)
	}
	s.agents[id] = make(map[string]struct{})
	return nil
}

// AddAgent records that an agent serves a tenant.
func (s *Service) AddAgent(tenantID string, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is empty")
	}
	tenantID = tenant.Normalize(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	agents, ok := s.agents[tenantID]
	if !ok {
		return fmt.Errorf("tenant %q not found", tenantID)
	}
	agents[agentID] = struct{}{}
	return nil
}

func (s *Service) ListTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) Agents(tenantID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents[tenant.Normalize(tenantID)]))
	for id := range s.agents[tenant.Normalize(tenantID)] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RecordUsage folds one gateway's traffic report into the tenant's totals.
func (s *Service) RecordUsage(tenantID string, delta Usage) error {
	tenantID = tenant.Normalize(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[tenantID]; !ok {
		return fmt.Errorf("tenant %q not found", tenantID)
	}
	u := s.usage[tenantID]
	u.Calls += delta.Calls
	u.Callbacks += delta.Callbacks
	u.Rejected += delta.Rejected
	s.usage[tenantID] = u
	return nil
}

func (s *Service) Usage(tenantID string) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[tenant.Normalize(tenantID)]
}

func (s *Service) Handler() http.Handler {
	policy := security.DefaultPolicy()

	requireAdmin := func(w http.ResponseWriter, r *http.Request) bool {
		role, err := security.ParseRole(r.Header.Get("X-Role"))
		if err != nil {
			role = security.RoleViewer
		}
		if !policy.IsAllowed(role, security.ActionAdmin) {
			http.Error(w, "rbac denied", http.StatusForbidden)
			return false
		}
		return true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/tenants", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"tenants": s.ListTenants()})
		case http.MethodPost:
			if !requireAdmin(w, r) {
				return
			}
			var req struct {
				ID     string   `json:"id"`
				Agents []string `json:"agents,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := s.AddTenant(req.ID); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			for _, agent := range req.Agents {
				if err := s.AddAgent(req.ID, agent); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			w.WriteHeader(http.StatusCreated)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/usage", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			tenantID := r.URL.Query().Get("tenant_id")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"tenant_id": tenantID,
				"usage":     s.Usage(tenantID),
				"agents":    s.Agents(tenantID),
			})
		case http.MethodPost:
			if !requireAdmin(w, r) {
				return
			}
			var req struct {
				TenantID string `json:"tenant_id"`
				Usage    Usage  `json:"usage"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := s.RecordUsage(req.TenantID, req.Usage); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func StartServer(ctx context.Context, addr string, svc *Service) error {
	if addr == "" {
		addr = ":8081"
	}
	s := &http.Server{Addr: addr, Handler: svc.Handler()}
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	return s.ListenAndServe()
}

func StartServerTLS(ctx context.Context, addr string, svc *Service, certFile string, keyFile string, caFile string, requireClientCert bool) error {
	if addr == "" {
		addr = ":8081"
	}
	cfg, err := security.BuildServerTLSConfig(certFile, keyFile, caFile, requireClientCert)
	if err != nil {
		return err
	}
	s := &http.Server{Addr: addr, Handler: svc.Handler(), TLSConfig: cfg}
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("controlplane tls listen: %w", err)
	}
	return s.Serve(ln)
}
