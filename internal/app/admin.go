package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"notifd/internal/notification"
	"notifd/internal/reconcile"
	"notifd/internal/subscription"
	logx "notifd/pkg/logx"
)

const adminOpTimeout = 15 * time.Second

// adminMux serves metrics, liveness, the reconciler status and the operator
// actions (retry, clear, subscription changes) on one listener.
func (a *App) adminMux(withPprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-a.Done():
			http.Error(w, "stopping", http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte("ok\n"))
		}
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.engine.Status())
	})

	mux.HandleFunc("POST /poller/retry", func(w http.ResponseWriter, r *http.Request) {
		a.engine.Retry()
		writeJSON(w, http.StatusAccepted, a.engine.Status())
	})
	mux.HandleFunc("POST /inbox/clear", func(w http.ResponseWriter, r *http.Request) {
		a.engine.ClearAll()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /inbox/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), adminOpTimeout)
		defer cancel()
		err := a.engine.MarkRead(ctx, r.PathValue("id"))
		switch {
		case errors.Is(err, reconcile.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			// The local read flag is already set; only the server call failed.
			writeJSON(w, http.StatusAccepted, map[string]string{"error": err.Error()})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("GET /subscription", func(w http.ResponseWriter, r *http.Request) {
		a.writeSubscription(w, http.StatusOK, nil)
	})
	mux.HandleFunc("POST /subscription/permission", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), adminOpTimeout)
		defer cancel()
		err := a.sub.RequestPermission(ctx)
		switch {
		case errors.Is(err, subscription.ErrPermissionDenied), errors.Is(err, subscription.ErrUnsupported),
			errors.Is(err, subscription.ErrPermissionDismissed):
			a.writeSubscription(w, http.StatusConflict, err)
		case err != nil:
			a.writeSubscription(w, http.StatusBadGateway, err)
		default:
			a.writeSubscription(w, http.StatusOK, nil)
		}
	})
	mux.HandleFunc("POST /subscription/disable", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), adminOpTimeout)
		defer cancel()
		if err := a.sub.Disable(ctx); err != nil {
			a.log.Warn("disable from admin", logx.Err(err))
		}
		a.writeSubscription(w, http.StatusOK, nil)
	})
	mux.HandleFunc("POST /subscription/sync", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), adminOpTimeout)
		defer cancel()
		if err := a.sub.Sync(ctx); err != nil {
			a.writeSubscription(w, http.StatusBadGateway, err)
			return
		}
		a.writeSubscription(w, http.StatusOK, nil)
	})
	mux.HandleFunc("PATCH /subscription/preferences", func(w http.ResponseWriter, r *http.Request) {
		var patch notification.PreferencesPatch
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&patch); err != nil {
			http.Error(w, "invalid preferences patch: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.sub.Preferences().Merge(patch).Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), adminOpTimeout)
		defer cancel()
		if _, err := a.sub.UpdatePreferences(ctx, patch); err != nil {
			// Kept locally; the next sync pushes it.
			a.writeSubscription(w, http.StatusAccepted, err)
			return
		}
		a.writeSubscription(w, http.StatusOK, nil)
	})

	if withPprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

type subscriptionView struct {
	State       subscription.State       `json:"state"`
	Preferences notification.Preferences `json:"preferences"`
	Error       string                   `json:"error,omitempty"`
}

func (a *App) writeSubscription(w http.ResponseWriter, code int, err error) {
	v := subscriptionView{State: a.sub.State(), Preferences: a.sub.Preferences()}
	if err != nil {
		v.Error = err.Error()
	}
	writeJSON(w, code, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
