package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/model"
)

func minimalCommand() *model.Command {
	return &model.Command{
		ID:          uuid.New(),
		AgentID:     uuid.New(),
		CommandType: model.CommandTerminate,
		Priority:    model.PriorityRoutineTerminate,
		Status:      model.CommandPending,
		Deadline:    time.Now().Add(10 * time.Minute),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler() *Handler {
	return &Handler{logger: discardLogger()}
}

func TestHandleRegister_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"empty body", ``, http.StatusBadRequest},
		{"invalid JSON", `{bad}`, http.StatusBadRequest},
		{
			name:       "missing logical_agent_id",
			body:       `{"instance_id":"i-1","instance_type":"m5.large","region":"us-east-1","az":"us-east-1a","mode":"spot"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid mode",
			body:       `{"logical_agent_id":"a1","instance_id":"i-1","instance_type":"m5.large","region":"us-east-1","az":"us-east-1a","mode":"turbo"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/agents/register", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleHeartbeat_InvalidAgentID(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodPost, "/agents/not-a-uuid/heartbeat", strings.NewReader(`{"status":"online"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleHeartbeat_Validation(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	id := uuid.New().String()
	r := httptest.NewRequest(http.MethodPost, "/agents/"+id+"/heartbeat", strings.NewReader(`{"status":"sleeping"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestHandlePoll_InvalidAgentID(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/agents/not-a-uuid/commands", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleReportExecution_InvalidCommandID(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	agentID := uuid.New().String()
	r := httptest.NewRequest(http.MethodPost, "/agents/"+agentID+"/commands/not-a-uuid/report", strings.NewReader(`{"success":true}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSwitchReport_Validation(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	agentID := uuid.New().String()
	tests := []struct {
		name string
		body string
	}{
		{"missing from_instance_id", `{"to_instance_id":"i-2","trigger":"automatic"}`},
		{"invalid trigger", `{"from_instance_id":"i-1","to_instance_id":"i-2","trigger":"whim"}`},
		{"negative price", `{"from_instance_id":"i-1","to_instance_id":"i-2","old_price":-1,"trigger":"automatic"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/agents/"+agentID+"/switch-report", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)

			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
			}
		})
	}
}

func TestHandlePricingReport_Validation(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	agentID := uuid.New().String()

	t.Run("empty samples", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/agents/"+agentID+"/pricing-report",
			strings.NewReader(`{"role":"primary","region":"us-east-1","samples":[]}`))
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
		}
	})

	t.Run("missing region", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/agents/"+agentID+"/pricing-report",
			strings.NewReader(`{"role":"primary","samples":[{"pool_id":"p1","instance_type":"m5.large","az":"us-east-1a","price":0.05}]}`))
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
		}
	})
}

func TestHandleEmergencyNotice_InvalidAgentID(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	for _, path := range []string{"/agents/not-a-uuid/rebalance-recommendation", "/agents/not-a-uuid/termination-imminent"} {
		r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"notice_time_unix":1700000000}`))
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("path %s: status = %d, want %d", path, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHandleTerminationReport_Validation(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	agentID := uuid.New().String()
	r := httptest.NewRequest(http.MethodPost, "/agents/"+agentID+"/termination-report", strings.NewReader(`{"confirmed":true}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestHandleEmergencyStatus_InvalidAgentID(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/agents/not-a-uuid/emergency-status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleForceSwitch_Validation(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	tests := []struct {
		name string
		body string
	}{
		{"missing agent_id", `{"target_pool_id":"p1","target_mode":"spot"}`},
		{"invalid agent_id", `{"agent_id":"not-a-uuid","target_pool_id":"p1","target_mode":"spot"}`},
		{"invalid target_mode", `{"agent_id":"` + uuid.New().String() + `","target_pool_id":"p1","target_mode":"fast"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/force-switch", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)

			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
			}
		})
	}
}

func TestHandleNotifications_InvalidSince(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/notifications?since=not-a-time", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCommandToResponse(t *testing.T) {
	// guards against a panic when TargetMode is nil, the common case for
	// terminate/create_replica commands.
	resp := commandToResponse(minimalCommand())
	if resp.TargetMode != nil {
		t.Errorf("TargetMode = %v, want nil", resp.TargetMode)
	}
}
