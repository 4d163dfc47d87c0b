// Package server implements the CalDAV/CardDAV protocol engine: request
// authentication, access control, method dispatch and response assembly on
// top of the storage layer.
package server

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/auth"
	"github.com/filedav/filedav/internal/config"
	"github.com/filedav/filedav/internal/item"
	"github.com/filedav/filedav/internal/logging"
	"github.com/filedav/filedav/internal/metrics"
	"github.com/filedav/filedav/internal/rights"
	"github.com/filedav/filedav/internal/storage"
)

const davCapabilities = "1, 2, 3, calendar-access, addressbook, extended-mkcol"

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  storage.Storage
	rights rights.Rights
	auth   *auth.Pipeline
}

func New(cfg *config.Config, logger zerolog.Logger, store storage.Storage, r rights.Rights, a *auth.Pipeline) *Server {
	return &Server{cfg: cfg, logger: logger, store: store, rights: r, auth: a}
}

// request carries the resolved per-request state through the handlers.
type request struct {
	r *http.Request
	// user is the authenticated login, "" for anonymous.
	user string
	// path is the sanitized storage path of the target resource.
	path string
	// base is the URL prefix hrefs are built under.
	base string
	body []byte
}

// href builds the wire href of a storage path; collections get a trailing
// slash.
func (rq *request) href(path string, collection bool) string {
	h := rq.base + "/" + path
	if collection && !strings.HasSuffix(h, "/") {
		h += "/"
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Str("method", r.Method).
				Str("path", r.URL.Path).Msg("handler panic")
			if rec.status == 0 {
				http.Error(rec, "internal server error", http.StatusInternalServerError)
			}
		}
		metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", clientAddr(r)).
			Int("status", rec.status).
			Int64("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("request")
	}()
	for k, v := range s.cfg.Headers {
		rec.Header().Set(k, v)
	}
	s.handle(rec, r)
}

// clientAddr prefers X-Forwarded-For so proxied deployments log the real
// client.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	base := s.cfg.BasePath
	if script := r.Header.Get("X-Script-Name"); script != "" {
		if !strings.HasPrefix(script, "/") || strings.HasSuffix(script, "/") {
			http.Error(w, "invalid X-Script-Name", http.StatusBadRequest)
			return
		}
		base = script
	}

	switch r.URL.Path {
	case "/.well-known/caldav", "/.well-known/carddav":
		http.Redirect(w, r, base+"/", http.StatusMovedPermanently)
		return
	}

	urlPath := r.URL.Path
	if base != "" {
		rest, ok := strings.CutPrefix(urlPath, base)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		urlPath = rest
	}

	user, ok := s.login(w, r)
	if !ok {
		return
	}

	rq := &request{
		r:    r,
		user: user,
		path: sanitizeURLPath(urlPath),
		base: base,
	}

	if r.ContentLength > s.cfg.Server.MaxContentLength {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if hasBody(r.Method) {
		body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.Server.MaxContentLength+1))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > s.cfg.Server.MaxContentLength {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		rq.body = body
		if s.cfg.Logging.RequestContentOnDebug {
			s.logger.Debug().Str("path", rq.path).Bytes("body", body).Msg("request body")
		}
	}

	if user != "" {
		s.ensurePrincipal(user)
	}

	exclusive := writeMethod(r.Method)
	release, err := s.store.Lock(exclusive)
	if err != nil {
		s.logger.Error().Err(err).Msg("storage lock failed")
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	defer release()

	switch r.Method {
	case http.MethodOptions:
		s.handleOptions(w, rq)
	case http.MethodGet, http.MethodHead:
		s.handleGet(w, rq)
	case http.MethodPut:
		s.handlePut(w, rq)
	case http.MethodDelete:
		s.handleDelete(w, rq)
	case "MKCOL":
		s.handleMkcol(w, rq, item.TagNone)
	case "MKCALENDAR":
		s.handleMkcol(w, rq, item.TagCalendar)
	case "MOVE":
		s.handleMove(w, rq)
	case "PROPFIND":
		s.handlePropfind(w, rq)
	case "PROPPATCH":
		s.handleProppatch(w, rq)
	case "REPORT":
		s.handleReport(w, rq)
	default:
		w.Header().Set("Allow", allowedMethods)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

const allowedMethods = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, MKCALENDAR, MOVE, PROPFIND, PROPPATCH, REPORT"

func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete, "MOVE":
		return false
	}
	return true
}

func writeMethod(method string) bool {
	switch method {
	case http.MethodPut, http.MethodDelete, "MKCOL", "MKCALENDAR", "MOVE", "PROPPATCH":
		return true
	}
	return false
}

// login resolves the request credentials through the configured pipeline.
// A false return means the response has been written.
func (s *Server) login(w http.ResponseWriter, r *http.Request) (string, bool) {
	var user string
	switch s.auth.Type() {
	case "remote_user":
		user = s.auth.Login(remoteUserEnv(), "")
	case "http_x_remote_user":
		user = s.auth.Login(r.Header.Get("X-Remote-User"), "")
	case "bearer":
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if ok {
			user = s.auth.Login("", token)
		}
		if header != "" && user == "" {
			metrics.AuthFailures.Inc()
			s.unauthorized(w)
			return "", false
		}
	default:
		login, password, ok := r.BasicAuth()
		if ok {
			user = s.auth.Login(login, password)
			if user == "" {
				metrics.AuthFailures.Inc()
				s.logger.Warn().
					Str("user", login).
					Str("password", logging.MaskCredential(s.cfg.Logging.MaskPasswords, password)).
					Str("remote", clientAddr(r)).
					Msg("login failed")
				s.unauthorized(w)
				return "", false
			}
		}
	}
	return user, true
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+s.cfg.Auth.Realm+`"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// ensurePrincipal creates /USER/ on first authenticated access.
func (s *Server) ensurePrincipal(user string) {
	if _, err := s.store.GetCollection(user); err == nil {
		return
	}
	release, err := s.store.Lock(true)
	if err != nil {
		return
	}
	defer release()
	if _, err := s.store.GetCollection(user); err == nil {
		return
	}
	if _, err := s.store.CreateCollection(user, item.TagNone, nil); err != nil {
		s.logger.Error().Err(err).Str("user", user).Msg("principal auto-creation failed")
		return
	}
	s.logger.Info().Str("user", user).Msg("created principal collection")
}

func sanitizeURLPath(p string) string {
	unescaped := p
	if u, err := urlUnescape(p); err == nil {
		unescaped = u
	}
	return sanitizeStoragePath(unescaped)
}
