package deviceagent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"labelberry/agent/internal/printer"
)

func newTestRouter(t *testing.T) (*Agent, http.Handler) {
	t.Helper()
	agent, _ := newTestAgent(t, printer.New("/dev/null", nil))
	return agent, agent.Router()
}

func postPrint(t *testing.T, h http.Handler, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/print", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlePrintDefaultsUnsetPriorityToFive(t *testing.T) {
	_, h := newTestRouter(t)
	rec := postPrint(t, h, map[string]interface{}{"zpl_raw": "^XA^XZ"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job struct {
		Priority int `json:"priority"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Priority != defaultPriority {
		t.Fatalf("expected default priority %d, got %d", defaultPriority, job.Priority)
	}
}

func TestHandlePrintRejectsOutOfRangePriority(t *testing.T) {
	_, h := newTestRouter(t)
	rec := postPrint(t, h, map[string]interface{}{"zpl_raw": "^XA^XZ", "priority": 11})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out-of-range priority, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePrintAcceptsBoundaryPriorities(t *testing.T) {
	_, h := newTestRouter(t)
	for _, p := range []int{1, 10} {
		rec := postPrint(t, h, map[string]interface{}{"zpl_raw": "^XA^XZ", "priority": p})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("priority %d: expected 202, got %d: %s", p, rec.Code, rec.Body.String())
		}
	}
}
