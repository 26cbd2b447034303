// Copyright 2025 James Ross
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/metastore"
	"github.com/rodrigowb4ey/dataset-processor/internal/model"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
	"github.com/rodrigowb4ey/dataset-processor/internal/objectstore"
)

const (
	contentTypeCSV  = "text/csv"
	contentTypeJSON = "application/json"
)

// datasetUploadResponse is the 201 payload of POST /datasets.
type datasetUploadResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	Deduplicated   bool   `json:"deduplicated"`
}

// enqueueResponse is the 202 payload of POST /datasets/{id}/process.
type enqueueResponse struct {
	JobID     string `json:"job_id"`
	DatasetID string `json:"dataset_id"`
	State     string `json:"state"`
	Progress  int    `json:"progress"`
}

func (a *API) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(a.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "upload exceeds the configured size limit")
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_REQUEST", "name is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_REQUEST", "file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType != contentTypeCSV && contentType != contentTypeJSON {
		writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "only text/csv and application/json uploads are accepted")
		return
	}

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_REQUEST", "failed to read upload body")
		return
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	candidateID := uuid.NewString()
	dataset := model.Dataset{
		ID:               candidateID,
		Name:             name,
		OriginalFilename: header.Filename,
		ContentType:      contentType,
		ChecksumSHA256:   checksum,
		SizeBytes:        int64(len(body)),
		UploadBucket:     a.cfg.UploadsBucket,
		UploadKey:        objectstore.UploadKey(candidateID, header.Filename),
	}

	created, isNew, err := a.store.CreateDatasetIfNew(r.Context(), dataset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if isNew {
		if _, err := a.objects.Put(r.Context(), a.cfg.UploadsBucket, created.UploadKey, body, contentType); err != nil {
			writeAppError(w, err)
			return
		}
		obs.DatasetsUploaded.Inc()
	} else {
		obs.DatasetsDeduplicated.Inc()
	}

	writeJSON(w, http.StatusCreated, datasetUploadResponse{
		ID:             created.ID,
		Name:           created.Name,
		Status:         string(created.Status),
		ChecksumSHA256: created.ChecksumSHA256,
		Deduplicated:   !isNew,
	})
}

func (a *API) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := a.store.ListDatasets(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	summaries := make([]model.DatasetSummary, 0, len(datasets))
	for _, d := range datasets {
		summary, err := a.store.DatasetSummary(r.Context(), d.ID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		summaries = append(summaries, toDatasetSummary(summary))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"datasets": summaries})
}

func (a *API) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, err := a.store.DatasetSummary(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDatasetSummary(summary))
}

func (a *API) handleProcessDataset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := a.controller.Enqueue(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{
		JobID:     job.ID,
		DatasetID: job.DatasetID,
		State:     string(job.State),
		Progress:  job.Progress,
	})
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, ok, err := a.store.GetReport(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "report not ready")
		return
	}
	blob, err := a.objects.Get(r.Context(), report.ReportBucket, report.ReportKey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.store.ListJobs(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	views := make([]model.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func toDatasetSummary(row metastore.DatasetSummaryRow) model.DatasetSummary {
	return model.DatasetSummary{
		ID:              row.Dataset.ID,
		Name:            row.Dataset.Name,
		Status:          row.Dataset.Status,
		RowCount:        row.Dataset.RowCount,
		LatestJobID:     row.LatestJobID,
		ReportAvailable: row.ReportAvailable,
		Error:           row.Dataset.Error,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
}
