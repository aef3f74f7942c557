package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/braccio-robotics/arm-dispatch/internal/dispatcher"
	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
	"github.com/braccio-robotics/arm-dispatch/pkg/snapshot"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 5003
	// Payloads may embed base64 images.
	maxRequestBodyBytes = 32 << 20
)

var ErrUnsupportedMediaType = errors.New("request body must be application/json")

//go:generate mockgen -source server.go -destination ../../mocks/server.go -package mocks -mock_names Dispatch=ServerDispatch

// Dispatch accepts detection payloads on behalf of the arm.
type Dispatch interface {
	Submit(p *protocol.DetectionPayload) (dispatcher.Status, error)
	Ready() bool
	Status() dispatcher.Report
}

type Option func(*Server)

// WithJWTSecret requires an HS256 bearer token signed with secret on POST /data and POST /clear.
func WithJWTSecret(secret []byte) Option {
	return func(s *Server) {
		if len(secret) > 0 {
			s.secret = secret
		}
	}
}

// Server implements http.Handler.
type Server struct {
	dispatch Dispatch
	store    *snapshot.Store
	hub      *hub
	secret   []byte
	mux      *http.ServeMux
}

// New creates a Server. Call Close to disconnect websocket subscribers.
func New(dispatch Dispatch, store *snapshot.Store, options ...Option) *Server {
	s := &Server{
		dispatch: dispatch,
		store:    store,
		hub:      newHub(),
		mux:      http.NewServeMux(),
	}
	for _, option := range options {
		option(s)
	}
	s.mux.HandleFunc("POST /data", s.authorize(s.handleData))
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.HandleFunc("GET /get", s.handleGet)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /clear", s.authorize(s.handleClear))
	s.mux.HandleFunc("GET /test", s.handleTest)
	s.mux.HandleFunc("GET /ws", s.handleWebsocket)
	go s.hub.run()
	return s
}

// Close stops the live feed. It does not affect the dispatcher or the store.
func (s *Server) Close() {
	s.hub.close()
}

// Subscribers returns the number of connected websocket clients.
func (s *Server) Subscribers() int {
	return s.hub.count()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Debug("Received %s request for %s", req.Method, req.URL.Path)
	s.mux.ServeHTTP(w, req)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, reply any) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := errorResponse{Error: http.StatusText(code)}
	if err != nil {
		reply.Error = err.Error()
	}
	log.Warning("Returning error %s: %s", http.StatusText(code), reply.Error)
	writeJSON(w, code, &reply)
}

func isJSON(req *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

type dataResponse struct {
	Status        dispatcher.Status `json:"status"`
	ReceivedCount int               `json:"received_count"`
	ID            string            `json:"id"`
}

func (s *Server) handleData(w http.ResponseWriter, req *http.Request) {
	if !isJSON(req) {
		writeJSONError(w, http.StatusUnsupportedMediaType, ErrUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("could not read request body: %s", err))
		return
	}

	payload, err := protocol.DecodePayload(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	payload.ID = uuid.NewString()

	entry, err := s.store.Put(payload.ID, body, time.Now())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	log.Debug("[%s] Payload: %s", payload.ID, entry)

	status, err := s.dispatch.Submit(payload)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	log.Info("[%s] %d detections: %s", payload.ID, len(payload.Detections), status)
	s.hub.publish("snapshot", entry)

	writeJSON(w, http.StatusOK, &dataResponse{
		Status:        status,
		ReceivedCount: len(payload.Detections),
		ID:            payload.ID,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": s.dispatch.Ready()})
}

var emptySnapshot = map[string]any{"detections": []any{}}

func (s *Server) handleGet(w http.ResponseWriter, req *http.Request) {
	if latest, ok := s.store.Latest(); ok {
		writeJSON(w, http.StatusOK, latest)
		return
	}
	writeJSON(w, http.StatusOK, emptySnapshot)
}

func (s *Server) handleHistory(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Export(w); err != nil {
		log.Error("Error writing history: %s", err)
	}
}

type statusResponse struct {
	Status         string                `json:"status"`
	DetectionCount int                   `json:"detection_count"`
	Timestamp      float64               `json:"timestamp"`
	Link           dispatcher.LinkStatus `json:"ble_status"`
	Stats          dispatcher.Stats      `json:"stats"`
	Subscribers    int                   `json:"subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	report := s.dispatch.Status()
	reply := statusResponse{
		Status:      "running",
		Link:        report.Link,
		Stats:       report.Stats,
		Subscribers: s.hub.count(),
	}
	if latest, ok := s.store.Latest(); ok {
		reply.DetectionCount = latest.DetectionCount()
		reply.Timestamp = latest.ReceivedUnix()
	}
	writeJSON(w, http.StatusOK, &reply)
}

func (s *Server) handleClear(w http.ResponseWriter, req *http.Request) {
	s.store.Clear()
	log.Info("Cleared stored detections")
	s.hub.publish("snapshot", emptySnapshot)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleTest(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "arm dispatch server is running",
	})
}
