// Package api serves the JSON status and control API over HTTPS and,
// optionally, HTTP/3 on the same port.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/h264feed/internal/certs"
	"github.com/zsiec/h264feed/internal/ingest"
	"github.com/zsiec/h264feed/internal/pipeline"
)

// StreamInfo is the summary of a live stream returned by GET /api/streams.
type StreamInfo struct {
	Key        string `json:"key"`
	Protocol   string `json:"protocol,omitempty"`
	State      string `json:"state"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Frames     int64  `json:"frames"`
	Recoveries int64  `json:"recoveries"`
	UptimeMs   int64  `json:"uptimeMs,omitempty"`
}

// StreamDetail is the full telemetry of one stream.
type StreamDetail struct {
	Stream pipeline.Snapshot `json:"stream"`
	Ingest *ingest.Stats     `json:"ingest,omitempty"`
}

// StreamLister returns the current list of active streams.
type StreamLister func() []StreamInfo

// StreamLookup resolves a stream key to its telemetry.
type StreamLookup func(key string) (StreamDetail, bool)

// StreamRelease tears down a stream's decoder. It reports whether the key
// was live.
type StreamRelease func(key string) (bool, error)

// SRTPullFunc initiates an SRT caller-mode pull from a remote address.
type SRTPullFunc func(address, streamKey, streamID string) error

// SRTStopFunc stops an active SRT pull by stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT caller-mode pull.
type SRTPullInfo struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// ServerConfig holds the listen address, certificate and callback hooks.
type ServerConfig struct {
	Addr string
	// QUICIngestAddr is reported by /api/cert-hash so publishers can pin
	// the certificate before dialing the QUIC ingest.
	QUICIngestAddr string
	Cert           *certs.CertInfo
	HTTP3          bool
	Logger         *slog.Logger

	StreamLister  StreamLister
	StreamLookup  StreamLookup
	StreamRelease StreamRelease
	SRTPull       SRTPullFunc
	SRTStop       SRTStopFunc
	SRTList       SRTListFunc
}

// Server is the API server.
type Server struct {
	log    *slog.Logger
	config ServerConfig
	h3     *http3.Server
}

// NewServer creates a Server. Nothing listens until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: certificate is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:    log.With("component", "api"),
		config: config,
	}
	if config.HTTP3 {
		s.h3 = &http3.Server{
			Addr:      config.Addr,
			TLSConfig: config.Cert.TLSConfig(),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
		s.h3.Handler = s.Handler()
	}
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", s.handleStreamDetail)
	mux.HandleFunc("DELETE /api/streams/{key}", s.handleStreamRelease)
	mux.HandleFunc("OPTIONS /api/streams/{key}", s.handleOptions("GET, DELETE, OPTIONS"))
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleOptions("GET, POST, DELETE, OPTIONS"))
}

// Handler returns the API routes wrapped in the CORS and Alt-Svc
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(s.altSvcMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 endpoint on TCP responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil && r.ProtoMajor < 3 {
			// Fails until the QUIC listener is up; nothing to advertise yet.
			_ = s.h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTPS and, if enabled, HTTP/3 until ctx is cancelled or one
// of the listeners fails.
func (s *Server) Start(ctx context.Context) error {
	httpsSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		TLSConfig:         s.config.Cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("API listening", "addr", s.config.Addr, "proto", "https")
		err := httpsSrv.ListenAndServeTLS("", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if s.h3 != nil {
		g.Go(func() error {
			s.log.Info("API listening", "addr", s.config.Addr, "proto", "h3")
			err := s.h3.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) || gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.h3 != nil {
			s.h3.Close()
		}
		return httpsSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	var resp []StreamInfo

	if s.config.StreamLister != nil {
		resp = s.config.StreamLister()
	}

	if resp == nil {
		resp = make([]StreamInfo, 0)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.config.StreamLookup == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	detail, ok := s.config.StreamLookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStreamRelease(w http.ResponseWriter, r *http.Request) {
	if s.config.StreamRelease == nil {
		writeError(w, http.StatusNotImplemented, "stream release not configured")
		return
	}
	key := r.PathValue("key")
	removed, err := s.config.StreamRelease(key)
	switch {
	case !removed:
		writeError(w, http.StatusNotFound, "stream not found")
	case err != nil:
		// The stream is gone either way; report the device teardown error.
		s.log.Warn("release failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "released", "key": key})
	}
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.QUICIngestAddr,
	})
}

func (s *Server) handleOptions(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}
}

// SECURITY: The SRT pull endpoint dials arbitrary addresses. Expose the API
// only to trusted operators.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	pulls := s.config.SRTList()
	if pulls == nil {
		pulls = []SRTPullInfo{}
	}
	writeJSON(w, http.StatusOK, pulls)
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req struct {
		Address   string `json:"address"`
		StreamKey string `json:"streamKey"`
		StreamID  string `json:"streamId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.StreamKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
