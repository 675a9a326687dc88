package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/crmplugins/internal/plugin"
	"github.com/dshills/crmplugins/internal/plugin/hook"
	"github.com/dshills/crmplugins/internal/plugin/registry"
)

const maxActionBody = 1 << 20

type pluginView struct {
	Name          string    `json:"name"`
	Version       string    `json:"version,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	Description   string    `json:"description,omitempty"`
	State         string    `json:"state"`
	LoadedAt      time.Time `json:"loadedAt"`
	Digest        string    `json:"digest"`
	Calls         uint64    `json:"calls"`
	Failures      uint64    `json:"failures"`
	Subscriptions int       `json:"subscriptions"`
	Functions     []string  `json:"functions"`
}

type actionResponse struct {
	Plugin   string `json:"plugin,omitempty"`
	Function string `json:"function,omitempty"`
	Message  string `json:"message,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handler serves the admin endpoints:
//
//	GET  /metrics
//	GET  /live, /ready
//	GET  /plugins
//	POST /plugins/{name}/reload
//	POST /actions/{action}
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics, promhttp.HandlerOpts{}))
	mux.Handle("GET /live", h.health)
	mux.Handle("GET /ready", h.health)
	mux.HandleFunc("GET /plugins", h.handlePlugins)
	mux.HandleFunc("POST /plugins/{name}/reload", h.handleReload)
	mux.HandleFunc("POST /actions/{action}", h.handleAction)
	return mux
}

// Serve runs the admin listener on the configured address until ctx is
// done. An empty address disables it.
func (h *Host) Serve(ctx context.Context) error {
	addr := h.cfg.Admin.Addr
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("admin listener started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (h *Host) handlePlugins(w http.ResponseWriter, r *http.Request) {
	infos := h.manager.Infos()
	views := make([]pluginView, 0, len(infos))
	for _, info := range infos {
		v := pluginView{
			Name:          info.Name,
			Version:       info.Version,
			DisplayName:   info.DisplayName,
			Description:   info.Description,
			State:         h.manager.State(info.Name).String(),
			LoadedAt:      info.LoadedAt,
			Digest:        info.Digest,
			Calls:         info.Calls,
			Failures:      info.Failures,
			Subscriptions: info.Subscriptions,
		}
		if inst, ok := h.manager.Get(info.Name); ok {
			v.Functions = inst.Functions()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Host) handleReload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.Reload(r.Context(), name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, actionResponse{Plugin: name, Error: err.Error()})
	case errors.Is(err, ErrNotStarted):
		writeJSON(w, http.StatusServiceUnavailable, actionResponse{Plugin: name, Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusUnprocessableEntity, actionResponse{Plugin: name, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, actionResponse{Plugin: name, Message: "reloaded", Data: inst.Info().Digest})
	}
}

func (h *Host) handleAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("action")
	if !h.router.CanHandle(name) {
		writeJSON(w, http.StatusNotFound, actionResponse{Error: "no loaded plugin handles " + name})
		return
	}

	args := map[string]any{}
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody))
		if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, actionResponse{Error: "invalid action arguments: " + err.Error()})
			return
		}
	}

	res := h.Dispatch(r.Context(), hook.Action{Name: name, Args: args})
	resp := actionResponse{
		Plugin:   res.Plugin,
		Function: res.Function,
		Message:  res.Message,
		Data:     res.Data,
	}
	status := http.StatusOK
	if !res.OK() {
		resp.Error = res.Err.Error()
		status = http.StatusUnprocessableEntity
		if plugin.KindOf(res.Err) == plugin.ErrTimeout {
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
