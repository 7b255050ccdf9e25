// Package voicews exposes the voice bridge over websocket.
package voicews

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ws "nhooyr.io/websocket"

	"lernory/voice/internal/auth"
	"lernory/voice/internal/bridge"
)

// Sessions runs one bridged session over an accepted transport.
type Sessions interface {
	Serve(ctx context.Context, t bridge.Transport, userID string) (string, error)
}

// TokenVerifier resolves a bearer token to its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

type Options struct {
	// Verifier may be nil only when AllowAnonymous is set.
	Verifier        TokenVerifier
	AllowAnonymous  bool
	MaxMessageBytes int64
	// OriginPatterns lists accepted Origin hosts; empty accepts any origin.
	OriginPatterns []string
	Log            logrus.FieldLogger
}

type Server struct {
	ctx      context.Context
	sessions Sessions
	opts     Options
}

// NewServer builds the handler. ctx bounds every session: cancelling it ends
// them all, which is how the process drains on shutdown.
func NewServer(ctx context.Context, s Sessions, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Server{ctx: ctx, sessions: s, opts: opts}
}

func (s *Server) HandleVoiceWS(w http.ResponseWriter, r *http.Request) {
	log := s.opts.Log.WithFields(logrus.Fields{"component": "voicews", "remote": r.RemoteAddr})

	userID, err := s.authenticate(r)
	if err != nil {
		metricConnections.WithLabelValues("unauthorized").Inc()
		log.WithError(err).Info("voice connection rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := ws.Accept(w, r, &ws.AcceptOptions{
		OriginPatterns:     s.opts.OriginPatterns,
		InsecureSkipVerify: len(s.opts.OriginPatterns) == 0,
	})
	if err != nil {
		metricConnections.WithLabelValues("accept_error").Inc()
		log.WithError(err).Warn("ws accept")
		return
	}
	if s.opts.MaxMessageBytes > 0 {
		c.SetReadLimit(s.opts.MaxMessageBytes)
	}
	metricConnections.WithLabelValues("accepted").Inc()
	gaugeOpen.Inc()
	defer gaugeOpen.Dec()

	reason, err := s.sessions.Serve(s.ctx, &transport{c: c}, userID)
	entry := log.WithFields(logrus.Fields{"user_id": userID, "reason": reason})
	if err != nil {
		entry.WithError(err).Debug("voice connection ended")
		return
	}
	entry.Debug("voice connection ended")
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	token := auth.TokenFromRequest(r)
	if token == "" && s.opts.AllowAnonymous {
		if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
			return id, nil
		}
		return "anonymous-" + uuid.NewString(), nil
	}
	if s.opts.Verifier == nil {
		return "", errors.New("token auth not configured")
	}
	claims, err := s.opts.Verifier.Verify(r.Context(), token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
