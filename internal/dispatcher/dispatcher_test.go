package dispatcher

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shehryarbajwa/sessiondriver/internal/childdriver"
	"github.com/shehryarbajwa/sessiondriver/internal/logging"
	"github.com/shehryarbajwa/sessiondriver/internal/portalloc"
	"github.com/shehryarbajwa/sessiondriver/internal/ratelimit"
	"github.com/shehryarbajwa/sessiondriver/internal/registry"
)

// fakeChildServer is a minimal stand-in for a WebDriver child process:
// it accepts POST /session and returns a driver-chosen sessionId in the
// {value:{sessionId}} shape, and echoes back DELETE/other requests.
func fakeChildServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"value":{"sessionId":"child-fixed-id","capabilities":{"browserName":"firefox"}}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	childHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":{"echo":true}}`))
	}
	mux.HandleFunc("/session/child-fixed-id", childHandler)
	mux.HandleFunc("/session/child-fixed-id/", childHandler)
	return httptest.NewServer(mux)
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return host, port
}

func newTestDispatcher(t *testing.T, child *httptest.Server) *Dispatcher {
	t.Helper()
	host, port := hostPort(t, child)

	ports := portalloc.New("127.0.0.1")
	factory := registry.ChildFactory(func(ctx context.Context, _ int) (*childdriver.ChildDriver, error) {
		return childdriver.NewStub(host, port), nil
	})
	reg := registry.New(ports, factory, time.Hour)
	logger := logging.New().WithLevel(logging.LevelOff)

	return New(reg, &http.Client{}, logger, ratelimit.New(0))
}

func createSession(t *testing.T, d *Dispatcher) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"capabilities":{}}`))
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	return body
}

func publicIDFrom(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	value, ok := body["value"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no value object: %v", body)
	}
	id, ok := value["sessionId"].(string)
	if !ok || id == "" {
		t.Fatalf("response has no sessionId: %v", body)
	}
	return id
}

func TestCreateRewritesSessionIDToPublicID(t *testing.T) {
	child := fakeChildServer(t)
	defer child.Close()
	d := newTestDispatcher(t, child)

	body := createSession(t, d)
	publicID := publicIDFrom(t, body)

	if publicID == "child-fixed-id" {
		t.Fatalf("public id leaked the child's own session id")
	}
	value := body["value"].(map[string]interface{})
	caps, ok := value["capabilities"].(map[string]interface{})
	if !ok || caps["browserName"] != "firefox" {
		t.Fatalf("create response lost sibling fields: %v", body)
	}
}

func TestDeleteTerminatesAndReturns404Afterward(t *testing.T) {
	child := fakeChildServer(t)
	defer child.Close()
	d := newTestDispatcher(t, child)

	publicID := publicIDFrom(t, createSession(t, d))

	req := httptest.NewRequest(http.MethodDelete, "/session/"+publicID, nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/session/"+publicID+"/url", nil)
	rec2 := httptest.NewRecorder()
	d.Router().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("post-delete status = %d, want 404", rec2.Code)
	}
}

func TestUnknownSessionIDReturns404(t *testing.T) {
	child := fakeChildServer(t)
	defer child.Close()
	d := newTestDispatcher(t, child)

	req := httptest.NewRequest(http.MethodGet, "/session/does-not-exist/url", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionProxyForwardsAndTouchesOnSuccess(t *testing.T) {
	child := fakeChildServer(t)
	defer child.Close()
	d := newTestDispatcher(t, child)

	publicID := publicIDFrom(t, createSession(t, d))
	session, err := d.Registry.Lookup(publicID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	before := session.LastActivity()
	time.Sleep(2 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/session/"+publicID+"/url", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "echo") {
		t.Fatalf("body = %s, want the child's echoed response", rec.Body.String())
	}
	if !session.LastActivity().After(before) {
		t.Fatalf("LastActivity did not advance after a successful proxied request")
	}
}

func TestDriverStatusNeverForwardsToChild(t *testing.T) {
	child := fakeChildServer(t)
	defer child.Close()
	d := newTestDispatcher(t, child)

	publicID := publicIDFrom(t, createSession(t, d))

	req := httptest.NewRequest(http.MethodGet, "/session/driver/"+publicID+"/status", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var status struct {
		Alive bool `json:"alive"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.State != "Ready" {
		t.Fatalf("state = %q, want Ready", status.State)
	}
}

func TestProxyStatusIsAlwaysHealthy(t *testing.T) {
	child := fakeChildServer(t)
	defer child.Close()
	d := newTestDispatcher(t, child)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
