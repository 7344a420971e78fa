package newsletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lalithlochan/lynk/internal/db"
	"github.com/lalithlochan/lynk/internal/mail"
	"github.com/lalithlochan/lynk/internal/queue"
	"github.com/lalithlochan/lynk/internal/queue/queuetest"
)

type deliveryKey struct{ newsletterID, userID uuid.UUID }

type fakeStore struct {
	mu          sync.Mutex
	newsletters map[uuid.UUID]*db.Newsletter
	users       map[uuid.UUID]*db.User
	deliveries  map[deliveryKey]*db.Delivery
	getErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		newsletters: make(map[uuid.UUID]*db.Newsletter),
		users:       make(map[uuid.UUID]*db.User),
		deliveries:  make(map[deliveryKey]*db.Delivery),
	}
}

func (s *fakeStore) addNewsletter(subject, body string) *db.Newsletter {
	n := &db.Newsletter{ID: uuid.New(), Subject: subject, Body: body}
	s.newsletters[n.ID] = n
	return n
}

func (s *fakeStore) addUser(name, email string) *db.User {
	u := &db.User{ID: uuid.New(), Name: name, Email: email}
	s.users[u.ID] = u
	return u
}

func (s *fakeStore) GetNewsletter(ctx context.Context, id uuid.UUID) (*db.Newsletter, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	n, ok := s.newsletters[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return n, nil
}

func (s *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) BeginDelivery(ctx context.Context, newsletterID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey{newsletterID, userID}
	d, ok := s.deliveries[k]
	if !ok {
		d = &db.Delivery{NewsletterID: newsletterID, UserID: userID}
		s.deliveries[k] = d
	}
	return d.SentAt != nil, nil
}

func (s *fakeStore) RecordSent(ctx context.Context, newsletterID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey{newsletterID, userID}
	d, ok := s.deliveries[k]
	if !ok {
		d = &db.Delivery{NewsletterID: newsletterID, UserID: userID}
		s.deliveries[k] = d
	}
	if d.SentAt == nil {
		now := time.Now()
		d.SentAt = &now
	}
	return nil
}

func (s *fakeStore) delivery(n *db.Newsletter, u *db.User) *db.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[deliveryKey{n.ID, u.ID}]
}

// scriptedMailer returns errs in order, then succeeds.
type scriptedMailer struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	succeeded []mail.Message
}

func (m *scriptedMailer) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= len(m.errs) && m.errs[m.calls-1] != nil {
		return m.errs[m.calls-1]
	}
	m.succeeded = append(m.succeeded, msg)
	return nil
}

type staticPixels struct{}

func (staticPixels) PixelURL(n, u uuid.UUID) string {
	return fmt.Sprintf("https://lynk.test/t/%s/%s/pixel.png", n, u)
}

type harness struct {
	store      *fakeStore
	mailer     *scriptedMailer
	broker     *queuetest.Broker
	runner     *queue.Runner
	dispatcher *queue.Dispatcher
}

func newHarness(t *testing.T, mailer *scriptedMailer, logger *zap.Logger) *harness {
	t.Helper()
	store := newFakeStore()
	job := NewSendJob(store, mailer, staticPixels{}, nil, logger)
	broker := queuetest.NewBroker()
	return &harness{
		store:      store,
		mailer:     mailer,
		broker:     broker,
		runner:     queue.NewRunner(broker, queue.RunnerConfig{}, zap.NewNop(), job),
		dispatcher: queue.NewDispatcher(broker, zap.NewNop()),
	}
}

func (h *harness) send(t *testing.T, p Payload) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.dispatcher.Dispatch(ctx, Kind, p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := queuetest.Drain(ctx, h.broker, h.runner); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestSendJob_SucceedsOnThirdAttempt(t *testing.T) {
	outage := errors.New("smtp: 421 service not available")
	h := newHarness(t, &scriptedMailer{errs: []error{outage, outage}}, zap.NewNop())
	n := h.store.addNewsletter("Weekly picks", "<p>Hi {{.Name}}</p>")
	u := h.store.addUser("Ada", "ada@example.com")

	h.send(t, Payload{NewsletterID: n.ID, UserID: u.ID})

	if h.mailer.calls != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", h.mailer.calls)
	}
	if len(h.mailer.succeeded) != 1 {
		t.Fatalf("expected exactly one successful delivery, got %d", len(h.mailer.succeeded))
	}
	if d := h.store.delivery(n, u); d == nil || d.SentAt == nil {
		t.Error("expected sent_at to be set")
	}

	published := h.broker.Published()
	if len(published) != 3 {
		t.Fatalf("expected initial publish plus 2 retries, got %d", len(published))
	}
	if published[1].Delay != 30*time.Second || published[2].Delay != 60*time.Second {
		t.Errorf("unexpected retry delays %v, %v", published[1].Delay, published[2].Delay)
	}
	if h.broker.Pending() != 0 {
		t.Error("no further retry should be scheduled")
	}
}

func TestSendJob_ExhaustsRetries(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	outage := errors.New("connection refused")
	h := newHarness(t, &scriptedMailer{errs: []error{outage, outage, outage, outage}}, zap.New(core))
	n := h.store.addNewsletter("Weekly picks", "<p>hi</p>")
	u := h.store.addUser("Ada", "ada@example.com")

	h.send(t, Payload{NewsletterID: n.ID, UserID: u.ID})

	if h.mailer.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", h.mailer.calls)
	}
	if d := h.store.delivery(n, u); d == nil || d.SentAt != nil {
		t.Errorf("expected delivery record without sent_at, got %+v", d)
	}

	terminal := logs.FilterMessage("newsletter delivery permanently failed").All()
	if len(terminal) != 1 {
		t.Fatalf("expected failure hook to log once, got %d", len(terminal))
	}
	fields := terminal[0].ContextMap()
	if fields["newsletter_id"] != n.ID.String() || fields["user_id"] != u.ID.String() {
		t.Errorf("terminal log missing ids: %v", fields)
	}
	if logs.FilterMessage("newsletter delivery failed").Len() != 3 {
		t.Error("expected one failure log per attempt")
	}
}

func TestSendJob_InvalidRecipientIsNotRetried(t *testing.T) {
	h := newHarness(t, &scriptedMailer{errs: []error{fmt.Errorf("%w: bad", mail.ErrInvalidRecipient)}}, zap.NewNop())
	n := h.store.addNewsletter("Weekly picks", "<p>hi</p>")
	u := h.store.addUser("Ada", "ada@example.com")

	h.send(t, Payload{NewsletterID: n.ID, UserID: u.ID})

	if h.mailer.calls != 1 {
		t.Errorf("expected a single attempt, got %d", h.mailer.calls)
	}
}

func TestSendJob_MissingNewsletterIsNotRetried(t *testing.T) {
	h := newHarness(t, &scriptedMailer{}, zap.NewNop())
	u := h.store.addUser("Ada", "ada@example.com")

	h.send(t, Payload{NewsletterID: uuid.New(), UserID: u.ID})

	if h.mailer.calls != 0 {
		t.Errorf("mailer must not be called, got %d", h.mailer.calls)
	}
	if len(h.broker.Published()) != 1 {
		t.Error("missing newsletter must not be retried")
	}
}

func TestSendJob_StoreOutageIsRetried(t *testing.T) {
	h := newHarness(t, &scriptedMailer{}, zap.NewNop())
	h.store.getErr = errors.New("pool exhausted")

	h.send(t, Payload{NewsletterID: uuid.New(), UserID: uuid.New()})

	if got := len(h.broker.Published()); got != 3 {
		t.Errorf("expected 3 attempts on a transient store error, got %d publishes", got)
	}
}

func TestSendJob_IndependentRecordsPerUser(t *testing.T) {
	h := newHarness(t, &scriptedMailer{}, zap.NewNop())
	n := h.store.addNewsletter("Weekly picks", "<p>Hi {{.Name}}</p>")
	ada := h.store.addUser("Ada", "ada@example.com")
	bob := h.store.addUser("Bob", "bob@example.com")

	h.send(t, Payload{NewsletterID: n.ID, UserID: ada.ID})
	h.send(t, Payload{NewsletterID: n.ID, UserID: bob.ID})

	da, dbob := h.store.delivery(n, ada), h.store.delivery(n, bob)
	if da == nil || dbob == nil || da == dbob {
		t.Fatal("expected two distinct delivery records")
	}
	if da.SentAt == nil || dbob.SentAt == nil {
		t.Error("both deliveries should be marked sent")
	}

	if len(h.mailer.succeeded) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(h.mailer.succeeded))
	}
	first, second := h.mailer.succeeded[0], h.mailer.succeeded[1]
	if first.To != "ada@example.com" || !strings.Contains(first.HTML, "Hi Ada") {
		t.Errorf("unexpected message for ada: %+v", first)
	}
	if second.To != "bob@example.com" || !strings.Contains(second.HTML, "Hi Bob") {
		t.Errorf("unexpected message for bob: %+v", second)
	}
	if !strings.Contains(first.HTML, ada.ID.String()) || strings.Contains(first.HTML, bob.ID.String()) {
		t.Error("pixel of ada's message must reference only ada")
	}
}

func TestSendJob_SkipsDeliveryAlreadySent(t *testing.T) {
	h := newHarness(t, &scriptedMailer{}, zap.NewNop())
	n := h.store.addNewsletter("Weekly picks", "<p>Hi {{.Name}}</p>")
	u := h.store.addUser("Ada", "ada@example.com")

	h.send(t, Payload{NewsletterID: n.ID, UserID: u.ID})
	h.send(t, Payload{NewsletterID: n.ID, UserID: u.ID})

	if len(h.mailer.succeeded) != 1 {
		t.Errorf("expected one message for a duplicated job, got %d", len(h.mailer.succeeded))
	}
}

func TestSendJob_TestSendLeavesRecordUntouched(t *testing.T) {
	h := newHarness(t, &scriptedMailer{}, zap.NewNop())
	n := h.store.addNewsletter("Weekly picks", "<p>Hi {{.Name}}</p>")
	u := h.store.addUser("Ada", "ada@example.com")

	h.send(t, Payload{NewsletterID: n.ID, UserID: u.ID, TestEmail: "editor@lynk.bio"})

	if len(h.mailer.succeeded) != 1 || h.mailer.succeeded[0].To != "editor@lynk.bio" {
		t.Fatalf("expected message to the override address, got %+v", h.mailer.succeeded)
	}
	if strings.Contains(h.mailer.succeeded[0].HTML, "pixel.png") {
		t.Error("test sends must not carry a tracking pixel")
	}
	if d := h.store.delivery(n, u); d != nil {
		t.Errorf("test send must not create a delivery record, got %+v", d)
	}
}

func TestSendJob_SuccessLogFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t, &scriptedMailer{}, zap.New(core))
	n := h.store.addNewsletter("Weekly picks", "<p>hi</p>")
	u := h.store.addUser("Ada", "ada@example.com")

	h.send(t, Payload{NewsletterID: n.ID, UserID: u.ID})

	entries := logs.FilterMessage("newsletter delivered").All()
	if len(entries) != 1 {
		t.Fatalf("expected one success log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["email"] != "ada@example.com" || fields["newsletter_id"] != n.ID.String() || fields["user_id"] != u.ID.String() {
		t.Errorf("unexpected success fields %v", fields)
	}
}

func TestSendJob_Policy(t *testing.T) {
	p := (&SendJob{}).Policy()
	if p.Tries != 3 || p.MaxExceptions != 2 {
		t.Errorf("unexpected policy %+v", p)
	}
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for i, d := range want {
		if p.Backoff[i] != d {
			t.Errorf("backoff[%d] = %v, want %v", i, p.Backoff[i], d)
		}
	}
}
