// Package adminapi implements the REST API used to manage services and
// instances in the registry: the operator-facing surface that complements
// the proxy listener.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/KevenLi8888/simple-load-balancer/internal/model"
	"github.com/KevenLi8888/simple-load-balancer/internal/registry"
)

// Registry is the subset of the registry gateway the admin API needs.
type Registry interface {
	ListServices(ctx context.Context) ([]*model.Service, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
	FindServiceByHeader(ctx context.Context, header string) (*model.Service, error)
	AddService(ctx context.Context, svc *model.Service) error
	UpdateService(ctx context.Context, id string, update bson.M) (*model.Service, error)
	DeleteService(ctx context.Context, id string) error

	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstancesForService(ctx context.Context, serviceID string) ([]*model.Instance, error)
	AddInstance(ctx context.Context, inst *model.Instance) error
	UpdateInstanceStatus(ctx context.Context, instanceID string, status model.Status) error
	DeleteInstance(ctx context.Context, id string) error
}

// NewRouter builds the chi router exposing the routes in SPEC_FULL.md §6.2.
func NewRouter(reg Registry) http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Load Balancer API is running."))
	})

	r.Route("/services", func(r chi.Router) {
		r.Get("/", listServices(reg))
		r.Post("/", createService(reg))
		r.Get("/header/{header}", getServiceByHeader(reg))

		r.Route("/{serviceID}", func(r chi.Router) {
			r.Get("/", getService(reg))
			r.Put("/", updateService(reg))
			r.Delete("/", deleteService(reg))

			r.Route("/instances", func(r chi.Router) {
				r.Get("/", listInstances(reg))
				r.Post("/", createInstance(reg))

				r.Route("/{instanceID}", func(r chi.Router) {
					r.Get("/", getInstance(reg))
					r.Delete("/", deleteInstance(reg))
					r.Put("/status", updateInstanceStatus(reg))
				})
			})
		})
	})

	return r
}

func listServices(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, err := reg.ListServices(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "An unexpected error occurred")
			return
		}
		writeJSON(w, http.StatusOK, services)
	}
}

func createService(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name      string          `json:"name"`
			Header    string          `json:"header"`
			Algorithm model.Algorithm `json:"algorithm"`
			Stateful  bool            `json:"stateful"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid input")
			return
		}
		if body.Name == "" || body.Header == "" {
			writeError(w, http.StatusBadRequest, "Invalid input")
			return
		}
		if body.Algorithm != "" && !body.Algorithm.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid algorithm: "+string(body.Algorithm))
			return
		}

		svc := model.NewService(body.Name, body.Header, body.Algorithm, body.Stateful)
		if err := reg.AddService(r.Context(), svc); err != nil {
			if errors.Is(err, registry.ErrDuplicateService) {
				writeError(w, http.StatusConflict, "Service with this name or header already exists")
				return
			}
			writeError(w, http.StatusInternalServerError, "Database operation failed")
			return
		}
		writeJSON(w, http.StatusCreated, svc)
	}
}

func getService(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, err := reg.GetService(r.Context(), chi.URLParam(r, "serviceID"))
		if err != nil {
			if errors.Is(err, registry.ErrServiceNotFound) {
				writeError(w, http.StatusNotFound, "Service not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Database operation failed")
			return
		}
		writeJSON(w, http.StatusOK, svc)
	}
}

func getServiceByHeader(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, err := reg.FindServiceByHeader(r.Context(), chi.URLParam(r, "header"))
		if err != nil {
			if errors.Is(err, registry.ErrServiceNotFound) {
				writeError(w, http.StatusNotFound, "Service not found for this header")
				return
			}
			writeError(w, http.StatusInternalServerError, "Database operation failed")
			return
		}
		writeJSON(w, http.StatusOK, svc)
	}
}

func updateService(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body) == 0 {
			writeError(w, http.StatusBadRequest, "Invalid input")
			return
		}

		update := bson.M{}
		for _, field := range []string{"name", "header", "stateful"} {
			if v, ok := body[field]; ok {
				update[field] = v
			}
		}
		if rawAlgo, ok := body["algorithm"]; ok {
			algo, ok := rawAlgo.(string)
			if !ok || !model.Algorithm(algo).Valid() {
				writeError(w, http.StatusBadRequest, "Invalid algorithm")
				return
			}
			update["algorithm"] = algo
		}
		if len(update) == 0 {
			writeError(w, http.StatusBadRequest, "No valid fields provided for update")
			return
		}

		svc, err := reg.UpdateService(r.Context(), chi.URLParam(r, "serviceID"), update)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrServiceNotFound):
				writeError(w, http.StatusNotFound, "Service not found")
			case errors.Is(err, registry.ErrDuplicateService):
				writeError(w, http.StatusConflict, "Another service already has this name or header")
			default:
				writeError(w, http.StatusInternalServerError, "Database operation failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, svc)
	}
}

func deleteService(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := reg.DeleteService(r.Context(), chi.URLParam(r, "serviceID"))
		if err != nil {
			if errors.Is(err, registry.ErrServiceNotFound) {
				writeError(w, http.StatusNotFound, "Service not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Database operation failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Service and associated instances deleted successfully"})
	}
}

func listInstances(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceID")
		if _, err := reg.GetService(r.Context(), serviceID); err != nil {
			writeError(w, http.StatusNotFound, "Service not found")
			return
		}
		instances, err := reg.ListInstancesForService(r.Context(), serviceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "An unexpected error occurred")
			return
		}
		writeJSON(w, http.StatusOK, instances)
	}
}

func createInstance(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceID")
		if _, err := reg.GetService(r.Context(), serviceID); err != nil {
			writeError(w, http.StatusNotFound, "Service not found")
			return
		}

		var body struct {
			Addr   string `json:"addr"`
			Weight int    `json:"weight"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid input")
			return
		}
		if body.Addr == "" {
			writeError(w, http.StatusBadRequest, "Missing required field: 'addr'")
			return
		}

		inst := model.NewInstance(serviceID, body.Addr, body.Weight)
		if err := reg.AddInstance(r.Context(), inst); err != nil {
			if errors.Is(err, registry.ErrDuplicateInstance) {
				writeError(w, http.StatusConflict, "Instance with address '"+body.Addr+"' already exists for this service")
				return
			}
			writeError(w, http.StatusInternalServerError, "Database operation failed")
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	}
}

func getInstance(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceID")
		inst, err := reg.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
		if err != nil || inst.ServiceID != serviceID {
			writeError(w, http.StatusNotFound, "Instance not found within this service")
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

func deleteInstance(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceID")
		instanceID := chi.URLParam(r, "instanceID")

		inst, err := reg.GetInstance(r.Context(), instanceID)
		if err != nil || inst.ServiceID != serviceID {
			writeError(w, http.StatusNotFound, "Instance not found within this service")
			return
		}
		if err := reg.DeleteInstance(r.Context(), instanceID); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to delete instance")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Instance deleted successfully"})
	}
}

func updateInstanceStatus(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceID")
		instanceID := chi.URLParam(r, "instanceID")

		var body struct {
			Status model.Status `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
			writeError(w, http.StatusBadRequest, "Invalid input, 'status' field required")
			return
		}
		if !body.Status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status. Valid statuses are: healthy, unhealthy, unknown")
			return
		}

		inst, err := reg.GetInstance(r.Context(), instanceID)
		if err != nil || inst.ServiceID != serviceID {
			writeError(w, http.StatusNotFound, "Instance not found within this service")
			return
		}

		if err := reg.UpdateInstanceStatus(r.Context(), instanceID, body.Status); err != nil {
			writeError(w, http.StatusInternalServerError, "Database operation failed")
			return
		}
		inst.Status = body.Status
		writeJSON(w, http.StatusOK, inst)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
