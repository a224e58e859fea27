// Package api exposes the coordinator's HTTP surface: the CI webhook
// that announces builds, the lab webhook that announces job state, and
// a read-only build summary.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"

	"github.com/foundriesio/conductor/pkg/aggregator"
	"github.com/foundriesio/conductor/pkg/ci"
	"github.com/foundriesio/conductor/pkg/lab"
	"github.com/foundriesio/conductor/pkg/store"
)

// BuildEvent is the CI webhook payload.
type BuildEvent struct {
	Project  string    `json:"project"`
	BuildID  int64     `json:"build_id"`
	URL      string    `json:"url"`
	Status   ci.Status `json:"status"`
	CommitID string    `json:"commit_id"`
}

// LabEvent is the lab webhook payload, for labs configured to notify
// over HTTP instead of (or as well as) the event stream.
type LabEvent struct {
	JobID  int64         `json:"job"`
	State  lab.JobState  `json:"state"`
	Health lab.JobHealth `json:"health"`
}

// Coordinator is the daemon-side handler the server dispatches to.
type Coordinator interface {
	HandleBuildEvent(ctx context.Context, e BuildEvent) error
	HandleLabEvent(ctx context.Context, e LabEvent) error
	Summary(ctx context.Context, buildID int64) (aggregator.Summary, error)
}

// Server routes HTTP requests to the coordinator.
type Server struct {
	store  store.Store
	coord  Coordinator
	logger log.Logger
}

// NewServer wires the HTTP surface.
func NewServer(s store.Store, coord Coordinator, logger log.Logger) *Server {
	return &Server{store: s, coord: coord, logger: logger}
}

// Router builds the mux for the server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/ci-webhook", s.ciWebhook).Methods("POST")
	r.HandleFunc("/api/lab-webhook", s.labWebhook).Methods("POST")
	r.HandleFunc("/api/builds/{id}/summary", s.buildSummary).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	return r
}

// SigHeader carries the webhook signature: "sha256: <hmac-hex>" over
// the request body, keyed with the project's shared secret.
const SigHeader = "X-JobServ-Sig"

func verifySignature(header string, body []byte, secret string) bool {
	sig := strings.TrimSpace(strings.TrimPrefix(header, "sha256:"))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

func (s *Server) ciWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	var event BuildEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if event.Project == "" || event.BuildID == 0 {
		http.Error(w, "missing project or build_id", http.StatusBadRequest)
		return
	}
	project, err := s.store.GetProject(r.Context(), event.Project)
	if err == store.ErrNotFound {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !verifySignature(r.Header.Get(SigHeader), body, project.Secret) {
		s.logger.Log("project", event.Project, "err", "webhook signature mismatch")
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}
	if err := s.coord.HandleBuildEvent(r.Context(), event); err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) labWebhook(w http.ResponseWriter, r *http.Request) {
	var event LabEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&event); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if event.JobID == 0 {
		http.Error(w, "missing job", http.StatusBadRequest)
		return
	}
	if err := s.coord.HandleLabEvent(r.Context(), event); err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) buildSummary(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad build id", http.StatusBadRequest)
		return
	}
	summary, err := s.coord.Summary(r.Context(), id)
	if err == store.ErrNotFound {
		http.Error(w, "unknown build", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Log("err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
