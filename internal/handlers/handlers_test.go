package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/auth"
	"github.com/smsrelay/backend/internal/ledger"
	"github.com/smsrelay/backend/internal/middleware"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/payout"
	"github.com/smsrelay/backend/internal/presence"
	"github.com/smsrelay/backend/internal/queue"
	"github.com/smsrelay/backend/internal/repository/memstore"
	"github.com/smsrelay/backend/internal/services"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu     sync.Mutex
	counts []int
}

func (n *recordingNotifier) Notify(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = append(n.counts, count)
}

type testServer struct {
	store    *memstore.Store
	assigner *services.Assigner
	ledger   *ledger.Service
	registry *presence.Registry
	provider *payout.MockProvider
	notifier *recordingNotifier
	router   chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := memstore.New()
	validator, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	assigner := services.NewAssigner(s.Tasks(), s.Devices(), queue.NewMemoryQueue(), 25, logger)
	l := ledger.NewService(s.Wallets(), s.Transactions(), ledger.Limits{MinWithdrawalCents: 100, DailyCapCents: 10_000})
	lifecycle := services.NewLifecycle(s, s.Tasks(), s.Devices(), l, nil, 5, logger)
	registry := presence.NewRegistry(s.Devices(), logger)
	provider := payout.NewMockProvider()
	orch := payout.NewOrchestrator(s, l, provider, s.Transactions(), time.Second, logger)
	notifier := &recordingNotifier{}

	tasks := &TaskHandler{Tasks: assigner, Lifecycle: lifecycle, Notifier: notifier, Validator: validator, Logger: logger}
	devices := &DeviceHandler{Tasks: assigner, Presence: registry, Devices: s.Devices(), Logger: logger}
	wallet := &WalletHandler{Payouts: orch, Wallets: l, Validator: validator, Logger: logger}

	r := chi.NewRouter()
	r.Post("/admin/tasks", tasks.CreateTask)
	r.Post("/admin/tasks/bulk", tasks.BulkCreate)
	r.Get("/tasks/{taskID}", tasks.GetTask)
	r.Post("/tasks/{taskID}/status", tasks.ReportStatus)
	r.Get("/devices/{deviceID}/next-task", devices.NextTask)
	r.Get("/devices/{deviceID}/batch-tasks", devices.BatchTasks)
	r.Get("/devices/{deviceID}/events", devices.Events)
	r.Post("/devices/{deviceID}/status", devices.ReportStatus)
	r.Post("/devices/{deviceID}/heartbeat", devices.Heartbeat)
	r.Get("/wallet", wallet.GetWallet)
	r.Get("/wallet/transactions", wallet.ListTransactions)
	r.Post("/wallet/withdraw", wallet.Withdraw)

	return &testServer{
		store:    s,
		assigner: assigner,
		ledger:   l,
		registry: registry,
		provider: provider,
		notifier: notifier,
		router:   r,
	}
}

func (ts *testServer) addDevice() *models.Device {
	d := &models.Device{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		IsOnline:    true,
		DailyLimit:  100,
		Timezone:    "UTC",
		LastSeen:    time.Now(),
	}
	ts.store.Devices().Put(d)
	return d
}

func (ts *testServer) do(t *testing.T, method, path, body string, id auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req = req.WithContext(middleware.WithIdentity(req.Context(), id))
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func admin() auth.Identity { return auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin} }

func worker(d *models.Device) auth.Identity {
	return auth.Identity{UserID: d.OwnerUserID, Role: auth.RoleWorker}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, rr)["error"].(string)
}

const validTask = `{"recipient":"+254700000001","message":"hello","priority":5}`

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func TestCreateTask_Created(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/admin/tasks", validTask, admin())
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body)
	}
	task := decode[models.Task](t, rr)
	if task.Status != models.TaskStatusQueued || task.Priority != 5 {
		t.Errorf("task = %+v, want QUEUED priority 5", task)
	}
	if len(ts.notifier.counts) != 1 || ts.notifier.counts[0] != 1 {
		t.Errorf("notify = %v, want [1]", ts.notifier.counts)
	}
}

func TestCreateTask_InvalidBody(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]string{
		"malformed":       `{"recipient":`,
		"missing message": `{"recipient":"+254700000001"}`,
		"bad recipient":   `{"recipient":"call me","message":"hi"}`,
		"unknown field":   `{"recipient":"+254700000001","message":"hi","extra":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/admin/tasks", body, admin())
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body)
			}
			if got := errorCode(t, rr); got != "invalid_input" {
				t.Errorf("error = %q, want invalid_input", got)
			}
		})
	}
	if len(ts.notifier.counts) != 0 {
		t.Errorf("notify = %v, want none", ts.notifier.counts)
	}
}

func TestBulkCreate_AllOrNothing(t *testing.T) {
	ts := newTestServer(t)

	bad := `{"tasks":[` + validTask + `,{"recipient":"+254700000002","message":""}]}`
	rr := ts.do(t, http.MethodPost, "/admin/tasks/bulk", bad, admin())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if refs, _ := ts.store.Tasks().ListQueued(context.Background()); len(refs) != 0 {
		t.Fatalf("%d tasks stored after rejected bulk", len(refs))
	}

	good := `{"tasks":[` + validTask + `,` + validTask + `,` + validTask + `]}`
	rr = ts.do(t, http.MethodPost, "/admin/tasks/bulk", good, admin())
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body)
	}
	if got := decode[bulkCreateResponse](t, rr); got.Count != 3 {
		t.Errorf("count = %d, want 3", got.Count)
	}
	if len(ts.notifier.counts) != 1 || ts.notifier.counts[0] != 3 {
		t.Errorf("notify = %v, want [3]", ts.notifier.counts)
	}
}

func TestGetTask_Visibility(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()
	created := ts.do(t, http.MethodPost, "/admin/tasks", validTask, admin())
	task := decode[models.Task](t, created)
	path := "/tasks/" + task.ID.String()

	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}
	if rr := ts.do(t, http.MethodGet, path, "", stranger); rr.Code != http.StatusNotFound {
		t.Errorf("stranger: status = %d, want 404", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, path, "", admin()); rr.Code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", rr.Code)
	}

	ts.do(t, http.MethodGet, "/devices/"+d.ID.String()+"/next-task", "", worker(d))
	if rr := ts.do(t, http.MethodGet, path, "", worker(d)); rr.Code != http.StatusOK {
		t.Errorf("assignee: status = %d, want 200", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/tasks/not-a-uuid", "", admin()); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rr.Code)
	}
}

func TestReportStatus_DuplicateIsConflict(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()
	ts.do(t, http.MethodPost, "/admin/tasks", validTask, admin())
	next := decode[nextTaskResponse](t, ts.do(t, http.MethodGet, "/devices/"+d.ID.String()+"/next-task", "", worker(d)))
	if next.Task == nil {
		t.Fatal("no task assigned")
	}

	path := "/tasks/" + next.Task.ID.String() + "/status"
	body := `{"status":"DELIVERED","device_id":"` + d.ID.String() + `"}`
	rr := ts.do(t, http.MethodPost, path, body, worker(d))
	if rr.Code != http.StatusOK {
		t.Fatalf("first report: status = %d: %s", rr.Code, rr.Body)
	}
	rr = ts.do(t, http.MethodPost, path, body, worker(d))
	if rr.Code != http.StatusConflict {
		t.Fatalf("second report: status = %d, want 409", rr.Code)
	}
	if got := errorCode(t, rr); got != "duplicate_report" {
		t.Errorf("error = %q, want duplicate_report", got)
	}

	w, _ := ts.ledger.Wallet(context.Background(), d.OwnerUserID)
	if w.BalanceCents != 5 {
		t.Errorf("balance = %d, want 5", w.BalanceCents)
	}
}

func TestReportStatus_RejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()
	body := `{"status":"QUEUED","device_id":"` + d.ID.String() + `"}`
	rr := ts.do(t, http.MethodPost, "/tasks/"+uuid.NewString()+"/status", body, worker(d))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

func TestNextTask_EmptyQueueReturnsNull(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()

	rr := ts.do(t, http.MethodGet, "/devices/"+d.ID.String()+"/next-task", "", worker(d))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"task":null}` {
		t.Errorf("body = %s, want {\"task\":null}", got)
	}
}

func TestNextTask_ForeignDeviceNotFound(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()
	other := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}

	rr := ts.do(t, http.MethodGet, "/devices/"+d.ID.String()+"/next-task", "", other)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if got := errorCode(t, rr); got != "device_not_found" {
		t.Errorf("error = %q, want device_not_found", got)
	}
}

func TestBatchTasks_RoundLimit(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()
	for i := 0; i < 4; i++ {
		ts.do(t, http.MethodPost, "/admin/tasks", validTask, admin())
	}
	base := "/devices/" + d.ID.String() + "/batch-tasks"

	for _, q := range []string{"?round_limit=abc", "?round_limit=0", "?round_limit=101"} {
		if rr := ts.do(t, http.MethodGet, base+q, "", worker(d)); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}

	rr := ts.do(t, http.MethodGet, base+"?round_limit=3", "", worker(d))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	if got := decode[batchResponse](t, rr); got.Count != 3 {
		t.Errorf("count = %d, want 3", got.Count)
	}

	// The device still holds its batch, so the same three come back.
	rr = ts.do(t, http.MethodGet, base, "", worker(d))
	if got := decode[batchResponse](t, rr); got.Count != 3 {
		t.Errorf("re-fetch count = %d, want 3", got.Count)
	}
}

func TestDeviceStatusAndHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()
	base := "/devices/" + d.ID.String()

	if rr := ts.do(t, http.MethodPost, base+"/status", `{}`, worker(d)); rr.Code != http.StatusBadRequest {
		t.Errorf("missing is_online: status = %d, want 400", rr.Code)
	}
	if rr := ts.do(t, http.MethodPost, base+"/status", `{"is_online":false}`, worker(d)); rr.Code != http.StatusNoContent {
		t.Fatalf("status report: status = %d, want 204", rr.Code)
	}
	got, _ := ts.store.Devices().GetByID(context.Background(), d.ID)
	if got.IsOnline {
		t.Error("device still online after reporting offline")
	}
	if rr := ts.do(t, http.MethodPost, base+"/heartbeat", "", worker(d)); rr.Code != http.StatusNoContent {
		t.Errorf("heartbeat: status = %d, want 204", rr.Code)
	}
	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}
	if rr := ts.do(t, http.MethodPost, base+"/heartbeat", "", stranger); rr.Code != http.StatusNotFound {
		t.Errorf("foreign heartbeat: status = %d, want 404", rr.Code)
	}
}

func TestEvents_StreamsPushedTask(t *testing.T) {
	ts := newTestServer(t)
	d := ts.addDevice()
	id := worker(d)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.router.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), id)))
	}))
	defer srv.Close()

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/devices/"+d.ID.String()+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	task := &models.Task{ID: uuid.New(), Recipient: "+254700000001", Message: "hi"}
	if !ts.registry.Push(context.Background(), d.ID, task) {
		t.Fatal("push not delivered to open stream")
	}

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if event != presence.EventNewTask {
		t.Errorf("event = %q, want %q", event, presence.EventNewTask)
	}
	var ev presence.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Task == nil || ev.Task.ID != task.ID {
		t.Errorf("event task = %+v, want %s", ev.Task, task.ID)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for len(ts.registry.Connected()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection still registered after client went away")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Wallet
// ---------------------------------------------------------------------------

func (ts *testServer) fund(userID uuid.UUID, cents int64) {
	ts.store.Wallets().Put(&models.Wallet{UserID: userID, BalanceCents: cents, TotalEarnedCents: cents})
}

func TestWithdraw_Completed(t *testing.T) {
	ts := newTestServer(t)
	id := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}
	ts.fund(id.UserID, 2000)

	rr := ts.do(t, http.MethodPost, "/wallet/withdraw", `{"amount_cents":500,"method":"mobile_money","details":"+254700000001"}`, id)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	if got := decode[models.Transaction](t, rr); got.Status != models.TxStatusCompleted {
		t.Errorf("transaction status = %s, want COMPLETED", got.Status)
	}

	wallet := decode[models.Wallet](t, ts.do(t, http.MethodGet, "/wallet", "", id))
	if wallet.BalanceCents != 1500 {
		t.Errorf("balance = %d, want 1500", wallet.BalanceCents)
	}
}

func TestWithdraw_ProviderFailureReturnsFailedTransaction(t *testing.T) {
	ts := newTestServer(t)
	ts.provider.Err = errors.New("upstream down")
	id := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}
	ts.fund(id.UserID, 2000)

	rr := ts.do(t, http.MethodPost, "/wallet/withdraw", `{"amount_cents":500,"method":"mobile_money"}`, id)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rr.Code, rr.Body)
	}
	got := decode[withdrawFailedResponse](t, rr)
	if got.Error != "payout_failed" {
		t.Errorf("error = %q, want payout_failed", got.Error)
	}
	if got.Transaction == nil || got.Transaction.Status != models.TxStatusFailed {
		t.Errorf("transaction = %+v, want FAILED", got.Transaction)
	}
	wallet := decode[models.Wallet](t, ts.do(t, http.MethodGet, "/wallet", "", id))
	if wallet.BalanceCents != 2000 {
		t.Errorf("balance = %d, want 2000 after compensation", wallet.BalanceCents)
	}
}

func TestWithdraw_Rejections(t *testing.T) {
	ts := newTestServer(t)
	id := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}
	ts.fund(id.UserID, 300)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"below minimum", `{"amount_cents":50,"method":"airtime"}`, http.StatusBadRequest, "below_minimum"},
		{"insufficient", `{"amount_cents":500,"method":"airtime"}`, http.StatusPaymentRequired, "insufficient_funds"},
		{"unknown method", `{"amount_cents":200,"method":"cash"}`, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/wallet/withdraw", tc.body, id)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tc.status, rr.Body)
			}
			if got := errorCode(t, rr); got != tc.code {
				t.Errorf("error = %q, want %q", got, tc.code)
			}
		})
	}
	if len(ts.provider.Payouts()) != 0 {
		t.Errorf("provider called %d times for rejected withdrawals", len(ts.provider.Payouts()))
	}
}

func TestListTransactions(t *testing.T) {
	ts := newTestServer(t)
	id := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}

	rr := ts.do(t, http.MethodGet, "/wallet/transactions", "", id)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"count":0,"transactions":[]}` {
		t.Errorf("body = %s", got)
	}
	if rr := ts.do(t, http.MethodGet, "/wallet/transactions?limit=x", "", id); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestReadyz(t *testing.T) {
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("refused") })

	rr := httptest.NewRecorder()
	Readyz(map[string]Pinger{"postgres": up})(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("ready: status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	Readyz(map[string]Pinger{"postgres": up, "redis": down})(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready: status = %d, want 503", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"redis"`)) {
		t.Errorf("body = %s, want redis named", rr.Body)
	}
}
