package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trtd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error)
	Compile(ctx context.Context, req types.CompileRequest) (types.CompileResponse, error)
	Bindings(ctx context.Context, modelID string) (types.BindingsResponse, error)
	EnsureInstance(ctx context.Context, modelID string) error
	Unload(modelID string) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Instrument)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	r.Get("/models", h.models)
	r.Get("/models/{id}/bindings", h.bindings)
	r.Post("/models/{id}/load", h.load)
	r.Delete("/models/{id}", h.unload)
	r.Get("/status", h.status)
	r.Post("/infer", h.infer)
	r.Post("/compile", h.compile)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct{ svc Service }

// models godoc
// @Summary      List models
// @Description  Engines and ONNX sources found in the models directory.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.ModelsResponse{Models: h.svc.ListModels()})
}

// status godoc
// @Summary      Manager status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.svc.Status())
}

// bindings godoc
// @Summary      Tensor contract of a model
// @Description  Loads the model if needed and lists its input and output bindings.
// @Tags         models
// @Produce      json
// @Param        id   path      string  true  "Model id"
// @Success      200  {object}  types.BindingsResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      429  {object}  types.ErrorResponse
// @Router       /models/{id}/bindings [get]
func (h *handlers) bindings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r, inferTimeout)
	defer cancel()
	resp, err := h.svc.Bindings(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if !canceled(r) {
			writeError(w, err)
		}
		return
	}
	writeJSON(w, resp)
}

// load godoc
// @Summary      Load a model
// @Tags         models
// @Param        id   path      string  true  "Model id"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /models/{id}/load [post]
func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := time.Now()
	logStart(r, "load", id)
	ctx, cancel := requestContext(r, inferTimeout)
	defer cancel()
	if err := h.svc.EnsureInstance(ctx, id); err != nil {
		if canceled(r) {
			return
		}
		logEnd(r, "load", writeError(w, err), start, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	logEnd(r, "load", http.StatusNoContent, start, nil)
}

// unload godoc
// @Summary      Unload a model
// @Description  Drains queued requests and releases the engine's device memory.
// @Tags         models
// @Param        id   path      string  true  "Model id"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Router       /models/{id} [delete]
func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unload(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// infer godoc
// @Summary      Run inference
// @Description  Copies the inputs to the device, executes the engine and returns the requested outputs.
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        request  body      types.InferRequest  true  "Inputs"
// @Success      200      {object}  types.InferResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      404      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /infer [post]
func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	var req types.InferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Inputs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "inputs are required")
		return
	}
	start := time.Now()
	logStart(r, "infer", req.Model)
	ctx, cancel := requestContext(r, inferTimeout)
	defer cancel()
	resp, err := h.svc.Infer(ctx, req)
	if err != nil {
		// If the client went away there is nobody to answer.
		if canceled(r) {
			return
		}
		logEnd(r, "infer", writeError(w, err), start, err)
		return
	}
	writeJSON(w, resp)
	logEnd(r, "infer", http.StatusOK, start, nil)
}

// compile godoc
// @Summary      Compile an ONNX model
// @Description  Builds and serializes an engine next to the ONNX source.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        request  body      types.CompileRequest  true  "Source"
// @Success      200      {object}  types.CompileResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      404      {object}  types.ErrorResponse
// @Router       /compile [post]
func (h *handlers) compile(w http.ResponseWriter, r *http.Request) {
	var req types.CompileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	start := time.Now()
	logStart(r, "compile", req.Model)
	// Builds are not bound to inferTimeout; only client/server cancellation applies.
	ctx, cancel := requestContext(r, 0)
	defer cancel()
	resp, err := h.svc.Compile(ctx, req)
	if err != nil {
		if canceled(r) {
			return
		}
		logEnd(r, "compile", writeError(w, err), start, err)
		return
	}
	writeJSON(w, resp)
	logEnd(r, "compile", http.StatusOK, start, nil)
}

// decodeJSON enforces the content type and body limit. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies also land here; report 400 without size details.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
