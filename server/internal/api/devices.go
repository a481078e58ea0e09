package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"labelberry/common/model"
	"labelberry/server/internal/store"
)

type createDeviceRequest struct {
	Name         string `json:"name"`
	PrinterPath  string `json:"printer_path"`
	LabelSizeRef string `json:"label_size_ref"`
}

type deviceResponse struct {
	model.Device
	Connected bool   `json:"connected"`
	Secret    string `json:"secret,omitempty"` // present only on create
}

// handleCreateDevice implements POST /api/pis (spec.md §6 "Register a
// device (id, secret, display name, model, label-size)"). The secret is
// generated server-side and returned exactly once.
func (a *API) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, model.ErrInvalidRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, model.ErrInvalidRequest, "name is required")
		return
	}

	secret, err := generateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrInternal, "secret generation failed")
		return
	}

	now := time.Now().UTC()
	dev := &model.Device{
		ID:           model.NewID(),
		Name:         req.Name,
		PrinterPath:  req.PrinterPath,
		LabelSizeRef: req.LabelSizeRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.opts.Store.CreateDevice(r.Context(), dev, secret); err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, deviceResponse{Device: *dev, Secret: secret})
}

// handleListDevices implements GET /api/pis (spec.md §6 "List devices
// with status and last-seen").
func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.opts.Store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{Device: *d, Connected: a.opts.Registry.IsConnected(d.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetDevice implements GET /api/pis/{id}.
func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	dev, err := a.opts.Store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, model.ErrNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{Device: *dev, Connected: a.opts.Registry.IsConnected(dev.ID)})
}

type updateDeviceRequest struct {
	Name         *string `json:"name,omitempty"`
	PrinterPath  *string `json:"printer_path,omitempty"`
	LabelSizeRef *string `json:"label_size_ref,omitempty"`
}

// handleUpdateDevice implements PUT /api/pis/{id} (spec.md §6 "Update
// mutable device fields").
func (a *API) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	dev, err := a.opts.Store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, model.ErrNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, model.ErrInvalidRequest, err.Error())
		return
	}
	if req.Name != nil {
		dev.Name = *req.Name
	}
	if req.PrinterPath != nil {
		dev.PrinterPath = *req.PrinterPath
	}
	if req.LabelSizeRef != nil {
		dev.LabelSizeRef = *req.LabelSizeRef
	}
	dev.UpdatedAt = time.Now().UTC()

	if err := a.opts.Store.UpdateDevice(r.Context(), dev); err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{Device: *dev, Connected: a.opts.Registry.IsConnected(dev.ID)})
}

// handleDeleteDevice implements DELETE /api/pis/{id} (spec.md §6
// "Remove device; revokes secret; drops offline queue"). Evicting the
// Bus Session forces any live connection closed immediately rather than
// waiting for the next heartbeat to go stale.
func (a *API) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.opts.Store.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, model.ErrNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}
	a.opts.Registry.Evict(id)
	w.WriteHeader(http.StatusNoContent)
}

func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
