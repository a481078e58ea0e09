package deviceagent

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"labelberry/common/model"
)

// Router builds the device's local HTTP surface (spec.md §6: "/print,
// /status, /health, /test-print"), grounded on the teacher's
// usbproxy.Manager handler-per-route shape (usbproxy/manager.go).
func (a *Agent) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/print", a.handlePrint).Methods(http.MethodPost)
	r.HandleFunc("/test-print", a.handleTestPrint).Methods(http.MethodPost)
	return r
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	lastErr := a.lastError
	a.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":   a.cfg.DeviceID,
		"connected":   a.IsConnected(),
		"queue_depth": a.q.Size(),
		"uptime_s":    int64(time.Since(a.startedAt).Seconds()),
		"last_error":  lastErr,
	})
}

// Mirrors dispatcher.MinPriority/MaxPriority and the server API's
// priority==0 default (spec §3 "priority in [1..10]") so a job submitted
// directly against the device's own local surface is bound by the same
// range whether or not it ever reaches the server.
const (
	minPriority     = 1
	maxPriority     = 10
	defaultPriority = 5
)

type printRequest struct {
	ZPLRaw   string `json:"zpl_raw,omitempty"`
	ZPLURL   string `json:"zpl_url,omitempty"`
	ZPLFile  string `json:"zpl_file,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

func (req printRequest) toPayload() model.Payload {
	switch {
	case req.ZPLRaw != "":
		return model.Payload{Kind: model.PayloadInline, Inline: []byte(req.ZPLRaw)}
	case req.ZPLURL != "":
		return model.Payload{Kind: model.PayloadURL, URL: req.ZPLURL}
	case req.ZPLFile != "":
		return model.Payload{Kind: model.PayloadFile, FileRef: req.ZPLFile}
	default:
		return model.Payload{}
	}
}

// handlePrint accepts a job directly on the device's local surface,
// bypassing the server — used for on-premise or disconnected-server
// print submission per spec.md §6's local HTTP surface.
func (a *Agent) handlePrint(w http.ResponseWriter, r *http.Request) {
	var req printRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(model.ErrInvalidRequest, err.Error()))
		return
	}
	payload := req.toPayload()
	if err := payload.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(model.ErrInvalidRequest, err.Error()))
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = defaultPriority // spec.md §6 "priority (default 5)"
	} else if priority < minPriority || priority > maxPriority {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(model.ErrInvalidRequest, "priority out of range"))
		return
	}

	job := model.Job{
		ID:        model.NewID(),
		DeviceID:  a.cfg.DeviceID,
		Payload:   payload,
		Priority:  priority,
		Source:    model.SourceDirect,
		CreatedAt: time.Now().UTC(),
		State:     model.JobQueued,
	}
	queued, err := a.q.Enqueue(job)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(model.ErrQueueFull, err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

// handleTestPrint submits a fixed diagnostic label (spec.md §6
// "/test-print") without requiring a caller-supplied payload.
func (a *Agent) handleTestPrint(w http.ResponseWriter, r *http.Request) {
	const diagnosticZPL = "^XA^FO50,50^A0N,40,40^FDLabelBerry test print^FS^XZ"
	job := model.Job{
		ID:        model.NewID(),
		DeviceID:  a.cfg.DeviceID,
		Payload:   model.Payload{Kind: model.PayloadInline, Inline: []byte(diagnosticZPL)},
		Priority:  defaultPriority,
		Source:    model.SourceDirect,
		CreatedAt: time.Now().UTC(),
		State:     model.JobQueued,
	}
	queued, err := a.q.Enqueue(job)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(model.ErrQueueFull, err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

func errorBody(kind model.ErrorKind, msg string) map[string]string {
	return map[string]string{"error": string(kind), "message": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
