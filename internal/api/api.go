// Copyright 2025 James Ross
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/controller"
	"github.com/rodrigowb4ey/dataset-processor/internal/metastore"
	"github.com/rodrigowb4ey/dataset-processor/internal/objectstore"
)

// Config bounds upload size for the ingest path and names the buckets
// uploads and reports live in.
type Config struct {
	MaxUploadBytes int64
	UploadsBucket  string
	ReportsBucket  string
}

// API is the C8 read/write HTTP surface: read projections assembled from
// metastore (+objectstore for report bodies), plus the single write path
// that hands off to the controller.
type API struct {
	store      metastore.Store
	objects    objectstore.Store
	controller *controller.Controller
	cfg        Config
	log        *zap.Logger
}

func New(store metastore.Store, objects objectstore.Store, ctrl *controller.Controller, cfg Config, log *zap.Logger) *API {
	return &API{store: store, objects: objects, controller: ctrl, cfg: cfg, log: log}
}

// RegisterRoutes wires every handler onto r, following the teacher's
// feature-handler idiom of a single registration entry point per component.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/datasets", a.handleUploadDataset).Methods(http.MethodPost)
	r.HandleFunc("/datasets", a.handleListDatasets).Methods(http.MethodGet)
	r.HandleFunc("/datasets/{id}", a.handleGetDataset).Methods(http.MethodGet)
	r.HandleFunc("/datasets/{id}/process", a.handleProcessDataset).Methods(http.MethodPost)
	r.HandleFunc("/datasets/{id}/report", a.handleGetReport).Methods(http.MethodGet)
	r.HandleFunc("/jobs", a.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", a.handleGetJob).Methods(http.MethodGet)
}

// NewRouter assembles the full middleware chain around a fresh mux.Router,
// mirroring the teacher's RequestID -> Recovery -> logging ordering.
func NewRouter(a *API, log *zap.Logger) http.Handler {
	r := mux.NewRouter()
	a.RegisterRoutes(r)

	var h http.Handler = r
	h = LoggingMiddleware(log)(h)
	h = RecoveryMiddleware(log)(h)
	h = RequestIDMiddleware()(h)
	return h
}

