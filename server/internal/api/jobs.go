package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"labelberry/common/model"
	"labelberry/server/internal/dispatcher"
	"labelberry/server/internal/store"
)

type printRequest struct {
	ZPLRaw             string `json:"zpl_raw,omitempty"`
	ZPLURL             string `json:"zpl_url,omitempty"`
	Priority           int    `json:"priority,omitempty"`
	WaitForCompletion  *bool  `json:"wait_for_completion,omitempty"`
	IdempotencyKey     string `json:"idempotency_key,omitempty"`
	FailIfOffline      bool   `json:"fail_if_offline,omitempty"`
}

// handlePrint implements POST /api/pis/{id}/print (spec.md §6 "Submit a
// print; body as below"), accepting zpl_raw, zpl_url, or a multipart
// zpl_file upload — exactly one, per the Payload union.
func (a *API) handlePrint(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	payload, req, err := parsePrintBody(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, model.ErrInvalidRequest, err.Error())
		return
	}
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, model.ErrInvalidRequest, err.Error())
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5 // spec.md §6 "priority (default 5)"
	}
	wait := true
	if req.WaitForCompletion != nil {
		wait = *req.WaitForCompletion
	}

	if req.FailIfOffline && wait && !a.opts.Registry.IsConnected(deviceID) {
		writeError(w, http.StatusConflict, model.ErrDeviceOffline, "device is offline and fail_if_offline was set")
		return
	}

	result, err := a.opts.Dispatcher.Submit(r.Context(), dispatcher.SubmitRequest{
		DeviceID:       deviceID,
		Payload:        payload,
		Priority:       priority,
		Wait:           wait,
		Source:         model.SourceAPI,
		AuthToken:      tokenFromContext(r.Context()),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeSubmitResult(w, result)
}

func parsePrintBody(r *http.Request) (model.Payload, printRequest, error) {
	ct := r.Header.Get("Content-Type")
	if len(ct) >= len("multipart/form-data") && ct[:len("multipart/form-data")] == "multipart/form-data" {
		return parseMultipartPrintBody(r)
	}

	var req printRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.Payload{}, req, err
	}
	switch {
	case req.ZPLRaw != "" && req.ZPLURL != "":
		return model.Payload{}, req, errors.New("exactly one of zpl_raw, zpl_url, or zpl_file is required")
	case req.ZPLRaw != "":
		return model.Payload{Kind: model.PayloadInline, Inline: []byte(req.ZPLRaw)}, req, nil
	case req.ZPLURL != "":
		return model.Payload{Kind: model.PayloadURL, URL: req.ZPLURL}, req, nil
	default:
		return model.Payload{}, req, errors.New("exactly one of zpl_raw, zpl_url, or zpl_file is required")
	}
}

func parseMultipartPrintBody(r *http.Request) (model.Payload, printRequest, error) {
	var req printRequest
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return model.Payload{}, req, err
	}
	if v := r.FormValue("priority"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Priority = n
		}
	}
	if v := r.FormValue("wait_for_completion"); v != "" {
		b := v == "true" || v == "1"
		req.WaitForCompletion = &b
	}
	req.IdempotencyKey = r.FormValue("idempotency_key")

	file, header, err := r.FormFile("zpl_file")
	if err != nil {
		return model.Payload{}, req, errors.New("zpl_file part is required for a multipart submission")
	}
	defer file.Close()

	data, err := readMultipartFile(file, header)
	if err != nil {
		return model.Payload{}, req, err
	}
	return model.Payload{Kind: model.PayloadInline, Inline: data}, req, nil
}

func readMultipartFile(file multipart.File, header *multipart.FileHeader) ([]byte, error) {
	const maxInlineFile = 8 << 20
	if header.Size > maxInlineFile {
		return nil, errors.New("zpl_file exceeds maximum accepted size")
	}
	data := make([]byte, header.Size)
	if _, err := file.Read(data); err != nil && err.Error() != "EOF" {
		return nil, err
	}
	return data, nil
}

// writeSubmitResult maps a SubmissionResult onto spec.md §6's response
// codes: 200 on synchronous completion, 202 on async accept, 504 on
// waiter timeout (job continues).
func writeSubmitResult(w http.ResponseWriter, res *dispatcher.SubmissionResult) {
	switch model.JobState(res.Status) {
	case model.JobCompleted:
		writeJSON(w, http.StatusOK, res)
	case model.JobFailed:
		status := http.StatusOK
		if res.Error != nil {
			status = statusForErrorKind(res.Error.Kind)
		}
		writeJSON(w, status, res)
	default:
		if res.Status == "timeout" {
			writeJSON(w, http.StatusGatewayTimeout, res)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var jobErr *model.JobError
	if errors.As(err, &jobErr) {
		writeError(w, statusForErrorKind(jobErr.Kind), jobErr.Kind, jobErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
}

func statusForErrorKind(kind model.ErrorKind) int {
	switch kind {
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrInvalidRequest:
		return http.StatusUnprocessableEntity
	case model.ErrDeviceOffline:
		return http.StatusServiceUnavailable
	case model.ErrQueueFull, model.ErrQueueFullOffline:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleRecentJobs implements GET /api/recent-jobs?limit=…&pi_id=… (spec.md §6).
func (a *API) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	deviceID := r.URL.Query().Get("pi_id")

	var jobs []*model.Job
	var err error
	if deviceID != "" {
		jobs, err = a.opts.Store.ListJobs(r.Context(), store.ListFilter{DeviceID: deviceID, Limit: limit})
	} else {
		jobs, err = a.opts.Store.RecentJobs(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}
