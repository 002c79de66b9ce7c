package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"i4.energy/across/idpgw/modem"
)

// Gateway is the part of *modem.Modem served over HTTP and MQTT.
type Gateway interface {
	Submit(ctx context.Context, cmd modem.Command) (*modem.Response, error)
	CRCState() modem.CrcState

	SubmitMO(ctx context.Context, msg modem.MOSubmit) (string, error)
	PollMO(ctx context.Context, name string) ([]modem.MOMessage, error)
	CancelMO(ctx context.Context, name string) (bool, error)
	ClearMO(ctx context.Context) (int, error)
	PollMT(ctx context.Context) ([]modem.MTMessage, error)
	GetMT(ctx context.Context, name string, format modem.DataFormat) (*modem.MTMessage, error)
	DeleteMT(ctx context.Context, name string) (bool, error)

	MobileID(ctx context.Context) (string, error)
	Versions(ctx context.Context) (modem.Versions, error)
	SatelliteStatus(ctx context.Context) (modem.SatelliteStatus, error)
	NotificationControl(ctx context.Context) (modem.Notifications, error)
}

var _ Gateway = (*modem.Modem)(nil)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Modem  Gateway
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Events serves the /events websocket when set
	Events http.Handler
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mo", s.handleSubmitMO)
	mux.HandleFunc("GET /mo", s.handlePollMO)
	mux.HandleFunc("DELETE /mo", s.handleClearMO)
	mux.HandleFunc("DELETE /mo/{name}", s.handleCancelMO)
	mux.HandleFunc("GET /mt", s.handlePollMT)
	mux.HandleFunc("GET /mt/{name}", s.handleGetMT)
	mux.HandleFunc("DELETE /mt/{name}", s.handleDeleteMT)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /at", s.handleAT)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	if s.Events != nil {
		mux.Handle("GET /events", s.Events)
	}
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

// sendModemError logs err and answers with the status it maps to.
func (s *Server) sendModemError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.Logger.Error("Modem operation failed", "op", op, "error", err)
	} else {
		s.Logger.Warn("Modem operation refused", "op", op, "error", err)
	}
	s.sendError(w, err.Error(), code)
}

// statusFor maps modem errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, modem.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, modem.ErrBusy), errors.Is(err, modem.ErrAlreadyClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, modem.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, modem.ErrIntegrity), errors.Is(err, modem.ErrProtocol):
		return http.StatusBadGateway
	}
	var de *modem.DeviceError
	if errors.As(err, &de) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// moRequest is the JSON body of an MO submission over HTTP or MQTT.
// Payload is given in Format: plain text, hex or base64 (default).
type moRequest struct {
	Name      string `json:"name,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	SIN       int    `json:"sin"`
	MIN       *int   `json:"min,omitempty"`
	Format    string `json:"format,omitempty"`
	Payload   string `json:"payload"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// submission decodes the payload and builds the modem submission. The
// requested format is also used on the serial line.
func (req moRequest) submission() (modem.MOSubmit, error) {
	format, err := modem.ParseDataFormat(req.Format)
	if err != nil {
		return modem.MOSubmit{}, err
	}
	var payload []byte
	switch format {
	case modem.FormatText:
		payload = []byte(req.Payload)
	case modem.FormatHex:
		payload, err = hex.DecodeString(req.Payload)
	default:
		payload, err = base64.StdEncoding.DecodeString(req.Payload)
	}
	if err != nil {
		return modem.MOSubmit{}, fmt.Errorf("decode %s payload: %w", format, err)
	}
	return modem.MOSubmit{
		Name:     req.Name,
		Priority: req.Priority,
		SIN:      req.SIN,
		MIN:      req.MIN,
		Payload:  payload,
		Format:   format,
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
	}, nil
}

// handleSubmitMO queues a mobile-originated message
func (s *Server) handleSubmitMO(w http.ResponseWriter, r *http.Request) {
	var req moRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := req.submission()
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	name, err := s.Modem.SubmitMO(r.Context(), msg)
	if err != nil {
		s.sendModemError(w, "submit MO", err)
		return
	}

	s.Logger.Info("MO message queued", "name", name, "sin", msg.SIN, "size", len(msg.Payload))
	s.sendJSON(w, http.StatusAccepted, map[string]string{"name": name})
}

func (s *Server) handlePollMO(w http.ResponseWriter, r *http.Request) {
	messages, err := s.Modem.PollMO(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		s.sendModemError(w, "poll MO", err)
		return
	}
	if messages == nil {
		messages = []modem.MOMessage{}
	}
	s.sendJSON(w, http.StatusOK, messages)
}

func (s *Server) handleCancelMO(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.Modem.CancelMO(r.Context(), name)
	if err != nil {
		s.sendModemError(w, "cancel MO", err)
		return
	}
	if !ok {
		s.sendError(w, fmt.Sprintf("message %s could not be cancelled", name), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearMO(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.Modem.ClearMO(r.Context())
	if err != nil {
		s.sendModemError(w, "clear MO", err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

func (s *Server) handlePollMT(w http.ResponseWriter, r *http.Request) {
	messages, err := s.Modem.PollMT(r.Context())
	if err != nil {
		s.sendModemError(w, "poll MT", err)
		return
	}
	if messages == nil {
		messages = []modem.MTMessage{}
	}
	s.sendJSON(w, http.StatusOK, messages)
}

func (s *Server) handleGetMT(w http.ResponseWriter, r *http.Request) {
	format, err := modem.ParseDataFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := s.Modem.GetMT(r.Context(), r.PathValue("name"), format)
	if err != nil {
		s.sendModemError(w, "get MT", err)
		return
	}
	s.sendJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMT(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.Modem.DeleteMT(r.Context(), name)
	if err != nil {
		s.sendModemError(w, "delete MT", err)
		return
	}
	if !ok {
		s.sendError(w, fmt.Sprintf("message %s not found", name), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports identity, satellite acquisition and the configured
// notification events.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		MobileID      string                `json:"mobile_id"`
		Versions      modem.Versions        `json:"versions"`
		CRC           string                `json:"crc"`
		Registered    bool                  `json:"registered"`
		Satellite     modem.SatelliteStatus `json:"satellite"`
		Notifications []string              `json:"notifications"`
	}

	ctx := r.Context()
	var resp StatusResponse
	var err error
	if resp.MobileID, err = s.Modem.MobileID(ctx); err != nil {
		s.sendModemError(w, "mobile ID", err)
		return
	}
	if resp.Versions, err = s.Modem.Versions(ctx); err != nil {
		s.sendModemError(w, "versions", err)
		return
	}
	if resp.Satellite, err = s.Modem.SatelliteStatus(ctx); err != nil {
		s.sendModemError(w, "satellite status", err)
		return
	}
	notifications, err := s.Modem.NotificationControl(ctx)
	if err != nil {
		s.sendModemError(w, "notification control", err)
		return
	}
	resp.Notifications = notifications.Active()
	if resp.Notifications == nil {
		resp.Notifications = []string{}
	}
	resp.Registered = resp.Satellite.Registered()
	resp.CRC = s.Modem.CRCState().String()
	s.sendJSON(w, http.StatusOK, resp)
}

// handleAT passes a raw command through the dispatcher. A command answered
// with ERROR is still a successful exchange and is reported with 200.
func (s *Server) handleAT(w http.ResponseWriter, r *http.Request) {
	type ATRequest struct {
		Command   string `json:"command"`
		TimeoutMS int    `json:"timeout_ms,omitempty"`
		Retries   int    `json:"retries,omitempty"`
	}
	type ATResponse struct {
		Result []string `json:"result"`
		OK     bool     `json:"ok"`
	}

	var req ATRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		s.sendError(w, "'command' field is required", http.StatusBadRequest)
		return
	}

	resp, err := s.Modem.Submit(r.Context(), modem.Command{
		Text:    req.Command,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
		Retries: req.Retries,
	})
	var de *modem.DeviceError
	if err != nil && !(errors.As(err, &de) && resp != nil) {
		s.sendModemError(w, "AT passthrough", err)
		return
	}
	s.Logger.Debug("AT passthrough", "command", req.Command, "status", resp.Status)
	s.sendJSON(w, http.StatusOK, ATResponse{Result: resp.Result(), OK: resp.OK()})
}
