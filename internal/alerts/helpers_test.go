package alerts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/api/gototech"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/retry"
)

const apiTime = "2006-01-02T15:04:05"

// fakeBackend 按操作码返回固定数据
type fakeBackend struct {
	mu         sync.Mutex
	payloads   map[string]interface{}
	comments   map[string][]gototech.Comment
	validToken string
	calls      map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		payloads: make(map[string]interface{}),
		comments: make(map[string][]gototech.Comment),
		calls:    make(map[string]int),
	}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Opcode string
		Data   string
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[req.Opcode]++

	if b.validToken != "" && r.Header.Get("X-Token") != b.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload interface{}
	if req.Opcode == gototech.OpReservationComments {
		if c, ok := b.comments[req.Data]; ok {
			payload = c
		}
	} else {
		payload = b.payloads[req.Opcode]
	}

	data := "[]"
	if payload != nil {
		raw, _ := json.Marshal(payload)
		data = string(raw)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"Data": data})
}

func (b *fakeBackend) set(opcode string, v interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads[opcode] = v
}

func (b *fakeBackend) count(opcode string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[opcode]
}

// fakeSink 记录推送内容
type fakeSink struct {
	mu            sync.Mutex
	rows          map[string][][]alerts.Row
	toasts        []alerts.Toast
	locations     map[string]string
	token         string
	tokenRequests int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		rows:      make(map[string][][]alerts.Row),
		locations: make(map[string]string),
		token:     "tok",
	}
}

func (s *fakeSink) PushRows(table string, rows []alerts.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[table] = append(s.rows[table], rows)
}

func (s *fakeSink) ShowToast(t alerts.Toast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = append(s.toasts, t)
}

func (s *fakeSink) RequestLocation(ctx context.Context, plate string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc, ok := s.locations[plate]; ok {
		return loc, nil
	}
	return "", nil
}

func (s *fakeSink) RequestToken(ctx context.Context, backend models.Backend) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenRequests++
	return s.token, nil
}

func (s *fakeSink) lastRows(table string) []alerts.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	pushes := s.rows[table]
	if len(pushes) == 0 {
		return nil
	}
	return pushes[len(pushes)-1]
}

func (s *fakeSink) toastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toasts)
}

// clock 可控时钟
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	backend *fakeBackend
	sink    *fakeSink
	clock   *clock
	opts    alerts.Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	sink := newFakeSink()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	return &fixture{
		backend: backend,
		sink:    sink,
		clock:   clk,
		opts: alerts.Options{
			Client:   gototech.NewClient(srv.URL),
			Tokens:   alerts.NewTokens(sink.RequestToken),
			Sink:     sink,
			Policy:   retry.Policy{Attempts: 3, Delay: time.Millisecond},
			Logger:   zap.NewNop(),
			BOURL:    "https://bo.example",
			Location: time.UTC,
			Icon:     "icon.ico",
			Now:      clk.Now,
		},
	}
}

func ago(c *clock, d time.Duration) string {
	return c.Now().Add(-d).Format(apiTime)
}

func texts(row alerts.Row) []string {
	out := make([]string, len(row))
	for i, c := range row {
		out[i] = c.Text
	}
	return out
}
