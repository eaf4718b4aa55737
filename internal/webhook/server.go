package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"defectmaster/internal/app"
)

// PaymentNotifier tells the buyer about a confirmed purchase. Implemented by
// the Telegram bot.
type PaymentNotifier func(userID int64, credits, newBalance int)

// Server exposes the payment callback and operator endpoints.
type Server struct {
	app    *app.App
	logger *slog.Logger
	auth   *adminAuth
	notify PaymentNotifier
}

// New builds the HTTP surface. notify may be nil.
func New(application *app.App, adminSecret string, notify PaymentNotifier, logger *slog.Logger) *Server {
	return &Server{
		app:    application,
		logger: logger,
		auth:   newAdminAuth(adminSecret),
		notify: notify,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /payments/tinkoff/notify", s.handleNotify)
	mux.HandleFunc("GET /admin/stats", s.auth.require(s.handleStats))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

// handleNotify processes a gateway callback. The gateway retries until it
// sees a literal OK body, so every accepted notification answers exactly
// that, including replays.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	res, err := s.app.HandleNotification(r.Context(), body)
	if err != nil {
		if errors.Is(err, app.ErrInvalidSignature) {
			s.logger.Warn("payment notification rejected", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		s.logger.Error("payment notification failed", "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	if res.Credits > 0 && !res.AlreadyConfirmed && s.notify != nil {
		s.notify(res.UserID, res.Credits, res.NewBalance)
	}
	io.WriteString(w, "OK")
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.app.Stats()
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
