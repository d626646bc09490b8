package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"parking-gate-service/internal/config"
	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/ledger"
	"parking-gate-service/internal/notify"
	"parking-gate-service/internal/service"
	"parking-gate-service/internal/session"
	"parking-gate-service/internal/transport/push"
)

type stubDetections struct {
	payloads []anpr.EventPayload
	marks    []service.ProcessedMark
}

func (s *stubDetections) ProcessIncomingEvent(ctx context.Context, payload anpr.EventPayload, model string) (*anpr.ProcessResult, error) {
	if payload.GateID == "" {
		return nil, service.ErrInvalidInput
	}
	s.payloads = append(s.payloads, payload)
	return &anpr.ProcessResult{EventID: 1, PlateID: 1, Plate: payload.Plate, Delivered: 1}, nil
}

func (s *stubDetections) FindPlates(ctx context.Context, q string) ([]service.PlateInfo, error) {
	return nil, nil
}

func (s *stubDetections) FindEvents(ctx context.Context, q service.EventQuery) ([]service.EventInfo, error) {
	return nil, nil
}

func (s *stubDetections) PendingDetections(ctx context.Context, gateID string, dir anpr.Direction) ([]anpr.DetectionPayload, error) {
	plate, d := "ABC123", string(dir)
	return []anpr.DetectionPayload{{Plate: &plate, GateID: &gateID, Direction: &d}}, nil
}

func (s *stubDetections) MarkProcessed(ctx context.Context, gateID string, m service.ProcessedMark) (int64, error) {
	s.marks = append(s.marks, m)
	return 1, nil
}

type memStores struct {
	mu       sync.Mutex
	vehicles map[string]parking.Vehicle
	passages map[string]parking.Passage
}

func newMemStores() *memStores {
	return &memStores{vehicles: map[string]parking.Vehicle{}, passages: map[string]parking.Passage{}}
}

func (m *memStores) GetVehicle(ctx context.Context, plate string) (parking.Vehicle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[plate]
	return v, ok, nil
}

func (m *memStores) SaveVehicle(ctx context.Context, v parking.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.PlateNumber] = v
	return nil
}

func (m *memStores) SetPaidUntil(ctx context.Context, plate string, until time.Time) error {
	return nil
}

func (m *memStores) GetDailyRate(ctx context.Context, bodyTypeID int64, stationID string) (float64, bool, error) {
	if bodyTypeID == 3 {
		return 5000, true, nil
	}
	return 0, false, nil
}

func (m *memStores) PersistPassageOpen(ctx context.Context, p parking.Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.passages[p.PlateNumber]; ok {
		return ledger.ErrConflict
	}
	m.passages[p.PlateNumber] = p
	return nil
}

func (m *memStores) PersistPassageClose(ctx context.Context, p parking.Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.passages, p.PlateNumber)
	return nil
}

func (m *memStores) PersistPassageUpdate(ctx context.Context, p parking.Passage) error {
	return nil
}

func (m *memStores) ListActive(ctx context.Context, stationID string) ([]parking.Passage, error) {
	return nil, nil
}

type testServer struct {
	router     *gin.Engine
	hub        *push.Hub
	detections *stubDetections
}

func newTestServer(t *testing.T, verifier *TokenVerifier) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	hub := push.NewHub(zerolog.Nop())
	broadcaster := notify.NewBroadcaster(zerolog.Nop())
	go broadcaster.Run(ctx)

	stores := newMemStores()
	manager := session.NewManager(ctx, session.Config{}, session.ManagerDeps{
		Transports: func(gateID string) (detection.PushTransport, detection.PollTransport) {
			return hub, nil
		},
		Vehicles: stores,
		Rates:    stores,
		Passages: stores,
		Sink:     broadcaster,
	}, zerolog.Nop())
	t.Cleanup(func() {
		manager.CloseAll()
		cancel()
	})

	cfg := &config.Config{Camera: config.CameraConfig{Model: "generic"}}
	detections := &stubDetections{}
	h := NewHandler(Deps{Detections: detections, Sessions: manager, Hub: hub, Broadcaster: broadcaster}, cfg, zerolog.Nop())
	return &testServer{
		router:     NewRouter(h, cfg, AuthMiddleware(verifier, zerolog.Nop()), zerolog.Nop()),
		hub:        hub,
		detections: detections,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type statusEnvelope struct {
	Data session.Status `json:"data"`
}

func (s *testServer) waitForActivePrompt(t *testing.T, gateID string) parking.Prompt {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := s.do(t, http.MethodGet, "/api/v1/gates/"+gateID+"/session", nil, nil)
		var env statusEnvelope
		if err := json.Unmarshal(w.Body.Bytes(), &env); err == nil && env.Data.Active != nil {
			return *env.Data.Active
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no active prompt")
	return parking.Prompt{}
}

func TestGateSessionEntryFlow(t *testing.T) {
	s := newTestServer(t, nil)

	if w := s.do(t, http.MethodPost, "/api/v1/gates/gate-1/session", map[string]string{"station_id": "st-1"}, nil); w.Code != http.StatusOK {
		t.Fatalf("open session: %d %s", w.Code, w.Body.String())
	}

	ev, err := anpr.NewDetectionEvent("", "ABC123", "gate-1", anpr.DirectionEntry, time.Now().Add(-time.Hour), anpr.VehicleInfo{}, anpr.SourcePush)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	s.hub.Publish(ev)
	prompt := s.waitForActivePrompt(t, "gate-1")
	if prompt.Classification.Disposition != parking.NewEntry {
		t.Fatalf("disposition = %s", prompt.Classification.Disposition)
	}

	confirm := "/api/v1/gates/gate-1/prompts/" + prompt.ID + "/confirm-entry"

	if w := s.do(t, http.MethodPost, confirm, nil, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("confirm without body type: %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, confirm, map[string]int64{"body_type_id": 3}, nil); w.Code != http.StatusCreated {
		t.Fatalf("confirm entry: %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, confirm, map[string]int64{"body_type_id": 3}, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second confirm: %d %s", w.Code, w.Body.String())
	}

	w := s.do(t, http.MethodGet, "/api/v1/gates/gate-1/fee?plate=abc-123", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fee preview: %d %s", w.Code, w.Body.String())
	}
	var fee struct {
		Data parking.FeeQuote `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &fee); err != nil {
		t.Fatalf("decode fee: %v", err)
	}
	if fee.Data.BillableDays != 1 || fee.Data.Amount != 5000 {
		t.Fatalf("unexpected fee %+v", fee.Data)
	}

	if w := s.do(t, http.MethodGet, "/api/v1/stations/st-1/passages/active", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("active passages: %d", w.Code)
	}
}

func TestGateSessionErrors(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("unknown session", func(t *testing.T) {
		if w := s.do(t, http.MethodGet, "/api/v1/gates/nope/session", nil, nil); w.Code != http.StatusNotFound {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("missing station", func(t *testing.T) {
		if w := s.do(t, http.MethodPost, "/api/v1/gates/gate-1/session", map[string]string{}, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("gate bound to another station", func(t *testing.T) {
		s.do(t, http.MethodPost, "/api/v1/gates/gate-2/session", map[string]string{"station_id": "st-1"}, nil)
		if w := s.do(t, http.MethodPost, "/api/v1/gates/gate-2/session", map[string]string{"station_id": "st-9"}, nil); w.Code != http.StatusConflict {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("unknown prompt", func(t *testing.T) {
		if w := s.do(t, http.MethodPost, "/api/v1/gates/gate-2/prompts/missing/dismiss", nil, nil); w.Code != http.StatusNotFound {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("fee for a plate that is not parked", func(t *testing.T) {
		if w := s.do(t, http.MethodGet, "/api/v1/gates/gate-2/fee?plate=ZZZ999", nil, nil); w.Code != http.StatusNotFound {
			t.Fatalf("status = %d", w.Code)
		}
	})
}

func TestDetectionEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/anpr/events", map[string]interface{}{
		"camera_id": "cam-1",
		"gate_id":   "gate-1",
		"plate":     "ABC123",
		"direction": "entry",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest: %d %s", w.Code, w.Body.String())
	}
	if len(s.detections.payloads) != 1 || s.detections.payloads[0].EventTime.IsZero() {
		t.Fatalf("event time must default to now: %+v", s.detections.payloads)
	}

	if w := s.do(t, http.MethodPost, "/api/v1/anpr/events", map[string]string{"camera_id": "cam-1", "plate": "ABC123"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid ingest: %d", w.Code)
	}

	if w := s.do(t, http.MethodGet, "/api/v1/gates/gate-1/detections/pending-exit", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("pending: %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/v1/gates/gate-1/detections/processed", map[string]string{"id": "42"}, nil)
	if w.Code != http.StatusOK || len(s.detections.marks) != 1 || s.detections.marks[0].ID != "42" {
		t.Fatalf("processed: %d %+v", w.Code, s.detections.marks)
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, NewTokenVerifier("secret", ""))
	path := "/api/v1/gates"

	valid := signToken(t, "secret", jwt.MapClaims{"sub": "op-1", "role": "operator", "exp": time.Now().Add(time.Hour).Unix()})
	expired := signToken(t, "secret", jwt.MapClaims{"sub": "op-1", "exp": time.Now().Add(-time.Hour).Unix()})
	forged := signToken(t, "other", jwt.MapClaims{"sub": "op-1", "exp": time.Now().Add(time.Hour).Unix()})
	noSubject := signToken(t, "secret", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing token", path, "", http.StatusUnauthorized},
		{"valid header", path, "Bearer " + valid, http.StatusOK},
		{"valid query token", path + "?access_token=" + valid, "", http.StatusOK},
		{"expired", path, "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", path, "Bearer " + forged, http.StatusUnauthorized},
		{"no subject", path, "Bearer " + noSubject, http.StatusUnauthorized},
		{"not bearer", path, "Basic abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			if w := s.do(t, http.MethodGet, tt.path, nil, header); w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if w := s.do(t, http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", w.Code)
	}
}
