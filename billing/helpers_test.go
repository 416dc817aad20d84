package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/analytics"
	"github.com/GoCodeAlone/linkbilling/cache"
	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/metrics"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/store"
)

const (
	testWebhookSecret = "whsec_test"
	testAppURL        = "https://app.example"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeGateway struct {
	mu        sync.Mutex
	prices    map[string]string // subscription -> price
	priceErr  error
	feeErr    error
	chargeErr error
	fees      []FailureFee
	charges   []string // invoice ids
}

func (g *fakeGateway) SubscriptionPriceID(_ context.Context, subscriptionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.priceErr != nil {
		return "", g.priceErr
	}
	return g.prices[subscriptionID], nil
}

func (g *fakeGateway) CreateFailureFee(_ context.Context, fee FailureFee) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.feeErr != nil {
		return "", g.feeErr
	}
	g.fees = append(g.fees, fee)
	return fmt.Sprintf("pi_fee_%d", len(g.fees)), nil
}

func (g *fakeGateway) ChargeInvoice(_ context.Context, inv *store.Invoice, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	g.charges = append(g.charges, inv.ID)
	return "pi_" + inv.ID, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	err  error
	jobs []queue.Job
}

func (q *fakeQueue) Publish(_ context.Context, job queue.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, job)
	return fmt.Sprintf("msg_%d", len(q.jobs)), nil
}

func (q *fakeQueue) published() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.jobs)
}

type fakeMailer struct {
	mu   sync.Mutex
	err  error
	sent []email.Message
}

func (m *fakeMailer) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// byTemplate returns the sent messages of one template sorted by recipient.
func (m *fakeMailer) byTemplate(tmpl string) []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []email.Message
	for _, msg := range m.sent {
		if msg.Template == tmpl {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b email.Message) int {
		switch {
		case a.To < b.To:
			return -1
		case a.To > b.To:
			return 1
		}
		return 0
	})
	return out
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *fakeAlerter) Alert(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *fakeAlerter) messages(typ alert.Type) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.alerts {
		if al.Type == typ {
			out = append(out, al.Message)
		}
	}
	return out
}

type fakeRegistrar struct {
	mu    sync.Mutex
	err   error
	renew map[string]bool
}

func (r *fakeRegistrar) SetRenewOption(_ context.Context, domain string, autoRenew bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.renew == nil {
		r.renew = make(map[string]bool)
	}
	r.renew[domain] = autoRenew
	return nil
}

func (r *fakeRegistrar) option(domain string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.renew[domain]
	return v, ok
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []analytics.LinkRecord
}

func (r *fakeRecorder) RecordLinks(_ context.Context, links []analytics.LinkRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, links...)
	return nil
}

// ---------------------------------------------------------------------------
// Test environment
// ---------------------------------------------------------------------------

type testEnv struct {
	store     *store.MemoryStore
	gateway   *fakeGateway
	queue     *fakeQueue
	mailer    *fakeMailer
	alerter   *fakeAlerter
	registrar *fakeRegistrar
	recorder  *fakeRecorder
	links     *cache.LinkCache
	redis     *miniredis.Miniredis
	metrics   *metrics.Collector
	deps      Deps
	router    *Router
	mux       *http.ServeMux

	mu     sync.Mutex
	nextID int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	catalog, err := NewCatalog(map[string][]string{
		"pro":      {"price_pro_monthly", "price_pro_yearly"},
		"business": {"price_business_monthly"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	e := &testEnv{
		store:     store.NewMemoryStore(),
		gateway:   &fakeGateway{prices: map[string]string{}},
		queue:     &fakeQueue{},
		mailer:    &fakeMailer{},
		alerter:   &fakeAlerter{},
		registrar: &fakeRegistrar{},
		recorder:  &fakeRecorder{},
		links:     cache.NewLinkCache(client),
		redis:     mr,
		metrics:   metrics.NewCollector(metrics.DefaultConfig()),
	}
	e.deps = Deps{
		Store:     e.store,
		Gateway:   e.gateway,
		Plans:     catalog,
		Links:     e.links,
		Tokens:    cache.NewTokenCache(client),
		Recorder:  e.recorder,
		Registrar: e.registrar,
		Queue:     e.queue,
		QueueName: "test",
		Mailer:    e.mailer,
		Alerter:   e.alerter,
		Metrics:   e.metrics,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return testNow },
		Options:   Options{AppURL: testAppURL},
	}
	e.router = NewRouter(testWebhookSecret, e.deps)
	e.mux = http.NewServeMux()
	e.router.RegisterRoutes(e.mux)
	return e
}

// seedWorkspace adds workspace ws_1 (customer cus_1) with an owner and a
// member.
func (e *testEnv) seedWorkspace(plan Plan) {
	e.store.PutWorkspace(&store.Workspace{
		ID: "ws_1", Name: "Acme", Slug: "acme", Plan: plan.Name,
		StripeID: "cus_1", Limits: plan.Limits, PayoutsUsage: 50_000,
	})
	e.store.PutUser("ws_1", &store.User{ID: "u_owner", Name: "Olive", Email: "olive@acme.test"}, store.RoleOwner)
	e.store.PutUser("ws_1", &store.User{ID: "u_member", Name: "Max", Email: "max@acme.test"}, store.RoleMember)
}

// signedEvent builds a Stripe event around object and signs it.
func (e *testEnv) signedEvent(t *testing.T, id, eventType string, object any) (body []byte, header string) {
	t.Helper()
	if id == "" {
		e.mu.Lock()
		e.nextID++
		id = fmt.Sprintf("evt_%d", e.nextID)
		e.mu.Unlock()
	}
	obj, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	body, err = json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"created":     testNow.Unix(),
		"data":        map[string]json.RawMessage{"object": obj},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return body, signed.Header
}

// deliver posts a signed event to the webhook route.
func (e *testEnv) deliver(t *testing.T, id, eventType string, object any) *httptest.ResponseRecorder {
	t.Helper()
	body, header := e.signedEvent(t, id, eventType, object)
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

// mustReceive delivers an event and fails unless it was accepted.
func (e *testEnv) mustReceive(t *testing.T, eventType string, object any) {
	t.Helper()
	rec := e.deliver(t, "", eventType, object)
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"received\":true}\n" {
		t.Fatalf("%s: expected received, got %d %q", eventType, rec.Code, rec.Body.String())
	}
}

func (e *testEnv) workspace(t *testing.T, id string) *store.Workspace {
	t.Helper()
	ws, err := e.store.GetWorkspace(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkspace(%s): %v", id, err)
	}
	return ws
}

func charge(invoiceID string) map[string]any {
	return map[string]any{
		"id":             "ch_1",
		"object":         "charge",
		"amount":         10_000,
		"transfer_group": invoiceID,
		"receipt_url":    "https://pay.stripe.com/receipts/ch_1",
	}
}

func failedCharge(invoiceID, method string) map[string]any {
	c := charge(invoiceID)
	c["failure_message"] = "Your card was declined."
	c["payment_method"] = "pm_1"
	c["payment_method_details"] = map[string]any{"type": method}
	return c
}

func strPtr(s string) *string { return &s }
