package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/docstore"
	"budgetflow/internal/export"
	"budgetflow/internal/feed/memory"
	"budgetflow/internal/ledger"
	"budgetflow/internal/publisher"
	"budgetflow/internal/services"

	"github.com/xuri/excelize/v2"
)

type testEnv struct {
	srv  *httptest.Server
	api  *Server
	pub  *publisher.Publisher
	repo *ledger.Repository
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	docsDir := t.TempDir()
	docs, err := docstore.NewLocal(docsDir, "/documents")
	if err != nil {
		t.Fatalf("docstore: %v", err)
	}

	hub := memory.NewHub()
	svc := services.NewFlowService(repo, docs, hub)
	if err := svc.Republish(ctx); err != nil {
		t.Fatalf("republish: %v", err)
	}

	pub := publisher.New(hub)
	if err := pub.Start(ctx); err != nil {
		t.Fatalf("start publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	base := []Option{
		WithHistory(repo),
		WithReadiness("ledger", repo),
		WithDocuments("/documents", docsDir),
	}
	api := NewServer("", pub, svc, append(base, opts...)...)
	srv := httptest.NewServer(api.Handler)
	t.Cleanup(func() {
		api.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{srv: srv, api: api, pub: pub, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func (e *testEnv) submit(t *testing.T, in services.FlowInput) core.Record {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/flows", in)
	expectStatus(t, resp, http.StatusCreated)
	return decodeBody[core.Record](t, resp)
}

func TestSubmitFlowUpdatesViews(t *testing.T) {
	env := newTestEnv(t)

	before := decodeBody[core.ViewBundle](t, env.do(t, http.MethodGet, "/api/views", nil))

	rec := env.submit(t, services.FlowInput{From: "Ops", To: "VendorA", Amount: "90", Type: "actual"})
	if rec.ID == "" || rec.To != "VendorA" || rec.Type != core.Actual {
		t.Fatalf("unexpected record: %+v", rec)
	}

	after := decodeBody[core.ViewBundle](t, env.do(t, http.MethodGet, "/api/views", nil))
	if after.Sequence <= before.Sequence {
		t.Fatalf("sequence did not advance: %d -> %d", before.Sequence, after.Sequence)
	}
	if after.Summary.TotalActualBudget.String() != "90" || after.Summary.ActualTransactionCount != 1 {
		t.Fatalf("summary: %+v", after.Summary)
	}
	if len(after.Comparison) != 1 || after.Comparison[0].Name != "VendorA" {
		t.Fatalf("comparison: %+v", after.Comparison)
	}
}

func TestSubmitErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/flows", services.FlowInput{From: "Ops", Amount: "lots"})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	body := decodeBody[errorBody](t, resp)
	if body.Fields["to"] == "" || body.Fields["amount"] == "" {
		t.Fatalf("expected field errors for to and amount: %+v", body)
	}
	if body.RequestID == "" || body.RequestID != resp.Header.Get(requestIDHeader) {
		t.Fatalf("error body must carry the request ID: %+v", body)
	}

	resp = env.do(t, http.MethodPost, "/api/flows", `{"from":`)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestUpdateStepsAndVersions(t *testing.T) {
	env := newTestEnv(t)
	rec := env.submit(t, services.FlowInput{From: "Ops", To: "VendorA", Amount: "100"})

	resp := env.do(t, http.MethodPut, "/api/flows/"+rec.ID+"/steps", stepsRequest{Steps: []services.StepInput{
		{Text: "Initiation", Status: "approved"},
		{Text: "Approval"},
	}})
	expectStatus(t, resp, http.StatusOK)
	next := decodeBody[core.Record](t, resp)
	if next.ID == rec.ID || len(next.Steps) != 2 || next.Steps[0].Status != core.Approved {
		t.Fatalf("unexpected new version: %+v", next)
	}

	resp = env.do(t, http.MethodGet, "/api/flows/"+rec.ID+"/versions", nil)
	expectStatus(t, resp, http.StatusOK)
	if versions := decodeBody[[]core.Record](t, resp); len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}

	views := decodeBody[core.ViewBundle](t, env.do(t, http.MethodGet, "/api/views", nil))
	if views.Summary.RecordCount != 2 {
		t.Fatalf("both versions stay in the feed, got %d records", views.Summary.RecordCount)
	}

	expectStatus(t, env.do(t, http.MethodPut, "/api/flows/missing/steps", stepsRequest{}), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/api/flows/missing/versions", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodPut, "/api/flows/"+rec.ID+"/steps",
		stepsRequest{Steps: []services.StepInput{{Text: "x", Status: "maybe"}}}), http.StatusUnprocessableEntity)
}

func (e *testEnv) attach(t *testing.T, path, field, fileName string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, fileName)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAttachDocument(t *testing.T) {
	env := newTestEnv(t)
	rec := env.submit(t, services.FlowInput{
		From: "Ops", To: "VendorA", Amount: "100",
		Steps: []services.StepInput{{Text: "Initiation"}, {Text: "Approval"}},
	})
	pdf := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n")
	base := "/api/flows/" + rec.ID + "/steps/"

	resp := env.attach(t, base+"1/attachment", "pdf", "quote.pdf", pdf)
	expectStatus(t, resp, http.StatusOK)
	next := decodeBody[core.Record](t, resp)
	url := next.Steps[1].PDFURL
	if !strings.HasPrefix(url, "/documents/budgetSteps/") || !strings.HasSuffix(url, "_1_quote.pdf") {
		t.Fatalf("unexpected document URL %q", url)
	}
	if next.Steps[0].HasAttachment() {
		t.Fatalf("only step 1 should carry the document")
	}

	served := env.do(t, http.MethodGet, url, nil)
	expectStatus(t, served, http.StatusOK)
	if got, _ := io.ReadAll(served.Body); !bytes.Equal(got, pdf) {
		t.Fatalf("served document differs")
	}

	cases := []struct {
		name  string
		path  string
		field string
		data  []byte
		want  int
	}{
		{"index out of range", base + "5/attachment", "pdf", pdf, http.StatusUnprocessableEntity},
		{"index not a number", base + "x/attachment", "pdf", pdf, http.StatusBadRequest},
		{"missing field", base + "0/attachment", "", nil, http.StatusUnprocessableEntity},
		{"wrong field", base + "0/attachment", "file", pdf, http.StatusUnprocessableEntity},
		{"unsupported type", base + "0/attachment", "pdf", []byte("plain text notes"), http.StatusUnsupportedMediaType},
		{"unknown record", "/api/flows/missing/steps/0/attachment", "pdf", pdf, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, env.attach(t, tc.path, tc.field, "doc.pdf", tc.data), tc.want)
		})
	}
}

func TestSetQueryFiltersViews(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, services.FlowInput{From: "Ops", To: "VendorA", Amount: "100"})
	env.submit(t, services.FlowInput{From: "Ops", To: "Acme", Amount: "40", Type: "actual"})

	resp := env.do(t, http.MethodPut, "/api/query", queryRequest{Query: "vendora"})
	expectStatus(t, resp, http.StatusOK)
	b := decodeBody[core.ViewBundle](t, resp)
	if b.Query != "vendora" || len(b.Comparison) != 1 || b.Comparison[0].Name != "VendorA" {
		t.Fatalf("filtered bundle: query=%q comparison=%+v", b.Query, b.Comparison)
	}
	if env.pub.Query() != "vendora" {
		t.Fatalf("query is shared by every client")
	}

	b = decodeBody[core.ViewBundle](t, env.do(t, http.MethodPut, "/api/query", queryRequest{}))
	if len(b.Comparison) != 2 {
		t.Fatalf("clearing the query restores every vendor: %+v", b.Comparison)
	}
}

// readEvent returns the data of the next "views" event.
func readEvent(t *testing.T, rd *bufio.Reader) core.ViewBundle {
	t.Helper()
	var event, data string
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event == "views":
			var b core.ViewBundle
			if err := json.Unmarshal([]byte(data), &b); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return b
		}
	}
}

func TestViewStream(t *testing.T) {
	env := newTestEnv(t, WithKeepAlive(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/views/stream", nil)
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	rd := bufio.NewReader(resp.Body)

	first := readEvent(t, rd)
	if first.Sequence != env.pub.Current().Sequence {
		t.Fatalf("stream must start with the current bundle")
	}

	env.submit(t, services.FlowInput{From: "Ops", To: "VendorA", Amount: "75", Type: "actual"})
	next := readEvent(t, rd)
	if next.Sequence <= first.Sequence || next.Summary.TotalActualBudget.String() != "75" {
		t.Fatalf("unexpected update: seq %d total %s", next.Sequence, next.Summary.TotalActualBudget)
	}

	// Keepalive comments arrive while nothing changes.
	line, err := rd.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": keepalive") {
		t.Fatalf("expected keepalive, got %q %v", line, err)
	}
}

func TestViewStreamEndsOnShutdown(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.srv.Client().Get(env.srv.URL + "/api/views/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	rd := bufio.NewReader(resp.Body)
	readEvent(t, rd)

	if err := env.api.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, rd)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream still open after shutdown")
	}
}

func TestRateLimitAppliesToWritesOnly(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2))

	for i, want := range []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests} {
		resp := env.do(t, http.MethodPost, "/api/flows", `{`)
		if resp.StatusCode != want {
			t.Fatalf("request %d: status %d, want %d", i, resp.StatusCode, want)
		}
		if want == http.StatusTooManyRequests && resp.Header.Get("Retry-After") != "60" {
			t.Fatalf("missing Retry-After")
		}
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/views", nil), http.StatusOK)

	status := decodeBody[statusResponse](t, env.do(t, http.MethodGet, "/api/status", nil))
	if status.Security.RateLimitHits != 1 || status.Security.ActiveClients != 1 {
		t.Fatalf("security report: %+v", status.Security)
	}
}

func TestStatusReport(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, services.FlowInput{From: "Ops", To: "VendorA", Amount: "10", Dataset: "secondary"})

	status := decodeBody[statusResponse](t, env.do(t, http.MethodGet, "/api/status", nil))
	if status.Publisher.Closed || status.Publisher.Sequence == 0 {
		t.Fatalf("publisher report: %+v", status.Publisher)
	}
	if got := status.Publisher.Datasets[core.Secondary].Records; got != 1 {
		t.Fatalf("secondary records = %d, want 1", got)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/healthz", nil), http.StatusOK)

	resp := env.do(t, http.MethodGet, "/readyz", nil)
	expectStatus(t, resp, http.StatusOK)
	body := decodeBody[map[string]any](t, resp)
	checks := body["checks"].(map[string]any)
	if checks["ledger"] != "ok" || checks["publisher"] != "ok" {
		t.Fatalf("checks: %v", checks)
	}

	env.pub.Close()
	expectStatus(t, env.do(t, http.MethodGet, "/readyz", nil), http.StatusServiceUnavailable)

	env.repo.Close()
	resp = env.do(t, http.MethodGet, "/readyz", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
}

func TestExportWorkbook(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, services.FlowInput{From: "Ops", To: "VendorA", Amount: "90", Type: "actual"})

	resp := env.do(t, http.MethodGet, "/api/export.xlsx", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != export.ContentType {
		t.Fatalf("content type %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "budget-flows-") {
		t.Fatalf("content disposition %q", cd)
	}

	f, err := excelize.OpenReader(resp.Body)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	if idx, err := f.GetSheetIndex(export.SheetActual); err != nil || idx < 0 {
		t.Fatalf("missing %s sheet", export.SheetActual)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/views", nil)
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing security headers: %v", resp.Header)
	}
	if !strings.HasPrefix(resp.Header.Get(requestIDHeader), "req_") {
		t.Fatalf("missing generated request ID")
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set(requestIDHeader, "upstream-42")
	resp2, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get(requestIDHeader); got != "upstream-42" {
		t.Fatalf("incoming request ID not kept: %q", got)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/api/views", nil), http.StatusMethodNotAllowed)
}
