package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/dump"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/service"
	"github.com/SimplyPrint/pcsc-agent/internal/settings"
	"github.com/SimplyPrint/pcsc-agent/internal/updater"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				GitCommit = vcsRevision
				Version = "dev-" + vcsRevision[:min(7, len(vcsRevision))]
				if vcsModified {
					Version += "-dirty"
				}
			}
			BuildTime = vcsTime
		}
	}
}

// shutdownHandler is called when a shutdown is requested via API
var shutdownHandler func()

// SetShutdownHandler sets the callback for shutdown requests
func SetShutdownHandler(handler func()) {
	shutdownHandler = handler
}

type handlers struct {
	sessions *Sessions
	updates  *updater.Checker
}

// NewMux constructs the HTTP mux for the API. Card operations go through
// sessions.
func NewMux(sessions *Sessions) *http.ServeMux {
	h := &handlers{sessions: sessions, updates: updater.NewChecker(Version)}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/readers", corsMiddleware(h.handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(h.handleReaderRoutes)) // Note the trailing slash for sub-paths
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(h.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(handleShutdown))
	mux.HandleFunc("/v1/autostart", corsMiddleware(handleAutostart))
	mux.HandleFunc("/v1/updates", corsMiddleware(h.handleUpdates))
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				where := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, where)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", where, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

// statusForError maps a card error kind to an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrReaderNotFound), errors.Is(err, core.ErrNoCard):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidLength),
		errors.Is(err, core.ErrInvalidKey),
		errors.Is(err, core.ErrInvalidTrailerBlock),
		errors.Is(err, core.ErrInvalidTrailer),
		errors.Is(err, core.ErrMissingKeyA):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrCardRefused):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUnsupportedCard), errors.Is(err, dump.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrMonitorAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, core.ErrTimeout), errors.Is(err, core.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.Is(err, core.ErrUnknownProtocol), errors.Is(err, core.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrSessionClosed), errors.Is(err, ErrShutdown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON error payload. Status is the card status word when
// the card refused a command.
func errorBody(err error) map[string]string {
	body := map[string]string{"error": err.Error()}
	var cerr *core.Error
	if errors.As(err, &cerr) && cerr.Status != 0 {
		body["status"] = fmt.Sprintf("%04X", uint16(cerr.Status))
	}
	return body
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusForError(err), errorBody(err))
}

// parseKey reads an optional hex key and its slot ("A" or "B"). An empty key
// selects the session default.
func parseKey(keyHex, keyType string) (*core.Key, error) {
	if keyHex == "" {
		return nil, nil
	}
	slot := core.KeyA
	switch strings.ToUpper(keyType) {
	case "", "A":
	case "B":
		slot = core.KeyB
	default:
		return nil, fmt.Errorf("%w: keyType must be A or B", core.ErrInvalidKey)
	}
	return core.ParseKey(keyHex, slot)
}

func (h *handlers) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := h.sessions.Readers()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, readerList(readers))
}

type readerInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

func readerList(names []string) []readerInfo {
	out := make([]readerInfo, len(names))
	for i, name := range names {
		out[i] = readerInfo{Index: i, Name: name}
	}
	return out
}

func (h *handlers) handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})
		return
	}

	readerIndex, err := strconv.Atoi(parts[2])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reader index",
		})
		return
	}

	if len(parts) < 4 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing endpoint (e.g., /atr, /uid, /blocks/{sector}/{block})",
		})
		return
	}

	switch parts[3] {
	case "atr":
		h.handleATR(w, r, readerIndex)
	case "uid":
		h.handleUID(w, r, readerIndex)
	case "blocks":
		h.handleBlock(w, r, readerIndex, parts[4:])
	case "trailer":
		h.handleTrailer(w, r, readerIndex, parts[4:])
	case "dump":
		h.handleDump(w, r, readerIndex)
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown endpoint",
		})
	}
}

// parseAddress reads {sector}/{block} path segments.
func parseAddress(parts []string) (sector, block int, err error) {
	if len(parts) != 2 {
		return 0, 0, errors.New("use /{sector}/{block}")
	}
	if sector, err = strconv.Atoi(parts[0]); err != nil || sector < 0 {
		return 0, 0, errors.New("invalid sector number")
	}
	if block, err = strconv.Atoi(parts[1]); err != nil || block < 0 {
		return 0, 0, errors.New("invalid block number")
	}
	return sector, block, nil
}

func (h *handlers) handleATR(w http.ResponseWriter, r *http.Request, readerIndex int) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var resp map[string]any
	err := h.sessions.WithCard(r.Context(), readerIndex, func(s *core.Session) error {
		atr, err := s.ATR()
		if err != nil {
			return err
		}
		resp = map[string]any{
			"reader":   s.ReaderName(),
			"atr":      hex.EncodeToString(atr),
			"standard": core.ATRStandard(atr),
		}
		ct, err := s.CheckATR()
		if err != nil && !errors.Is(err, core.ErrUnsupportedCard) {
			return err
		}
		resp["cardType"] = ct.String()
		resp["supported"] = err == nil
		return nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleUID(w http.ResponseWriter, r *http.Request, readerIndex int) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var resp map[string]any
	err := h.sessions.WithCard(r.Context(), readerIndex, func(s *core.Session) error {
		ct, err := s.CheckATR()
		if err != nil {
			return err
		}
		uid, err := s.ReadUID()
		if err != nil {
			return err
		}
		resp = map[string]any{
			"reader":   s.ReaderName(),
			"uid":      hex.EncodeToString(uid),
			"cardType": ct.String(),
		}
		return nil
	})
	if err != nil {
		logging.Debug(logging.CatHTTP, "Card read failed", map[string]any{
			"reader": readerIndex,
			"error":  err.Error(),
		})
		respondError(w, err)
		return
	}
	logging.Info(logging.CatCard, "Card read", resp)
	respondJSON(w, http.StatusOK, resp)
}

// blockRequest is the body of block and trailer writes, and the payload of
// the matching WebSocket messages.
type blockRequest struct {
	ReaderIndex int    `json:"readerIndex"`
	Sector      int    `json:"sector"`
	Block       int    `json:"block"`
	Length      int    `json:"length,omitempty"` // payload bytes to read
	Data        string `json:"data,omitempty"`   // hex
	Key         string `json:"key,omitempty"`    // hex, 6 bytes
	KeyType     string `json:"keyType,omitempty"`
}

type blockResponse struct {
	Sector    int    `json:"sector"`
	Block     int    `json:"block"`
	Data      string `json:"data"`
	Printable string `json:"printable"`
	Text      string `json:"text"` // data up to the first NUL
}

// readBlock reads req.Length payload bytes (one block of the card when 0).
func (h *handlers) readBlock(ctx context.Context, req blockRequest) (*blockResponse, error) {
	key, err := parseKey(req.Key, req.KeyType)
	if err != nil {
		return nil, err
	}

	var resp *blockResponse
	err = h.sessions.WithCard(ctx, req.ReaderIndex, func(s *core.Session) error {
		ct, err := s.CheckATR()
		if err != nil {
			return err
		}
		length := req.Length
		if length == 0 {
			length = 16
			if ct == core.CardMifareUltralight {
				length = 4
			}
		}
		data, err := s.ReadBlock(req.Sector, req.Block, length+2, key)
		if err != nil {
			return err
		}
		resp = &blockResponse{
			Sector:    req.Sector,
			Block:     req.Block,
			Data:      hex.EncodeToString(data),
			Printable: core.Printable(data),
			Text:      core.CString(data),
		}
		return nil
	})
	return resp, err
}

func (h *handlers) writeBlock(ctx context.Context, req blockRequest) error {
	key, err := parseKey(req.Key, req.KeyType)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil || len(data) == 0 {
		return fmt.Errorf("%w: data must be non-empty hex", core.ErrInvalidLength)
	}

	err = h.sessions.WithCard(ctx, req.ReaderIndex, func(s *core.Session) error {
		if _, err := s.CheckATR(); err != nil {
			return err
		}
		return s.WriteBlock(req.Sector, req.Block, data, key)
	})
	if err == nil {
		logging.Info(logging.CatCard, "Block written", map[string]any{
			"reader": req.ReaderIndex,
			"sector": req.Sector,
			"block":  req.Block,
			"length": len(data),
		})
	}
	return err
}

// handleBlock handles read/write operations on card blocks
// GET /v1/readers/{n}/blocks/{sector}/{block}?length=&key=&keyType= - Read
// POST /v1/readers/{n}/blocks/{sector}/{block} - Write
func (h *handlers) handleBlock(w http.ResponseWriter, r *http.Request, readerIndex int, parts []string) {
	sector, block, err := parseAddress(parts)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req := blockRequest{ReaderIndex: readerIndex, Sector: sector, Block: block}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if l := q.Get("length"); l != "" {
			if req.Length, err = strconv.Atoi(l); err != nil || req.Length <= 0 {
				respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid length"})
				return
			}
		}
		req.Key = q.Get("key")
		req.KeyType = q.Get("keyType")

		resp, err := h.readBlock(r.Context(), req)
		if err != nil {
			logging.Debug(logging.CatHTTP, "Block read failed", map[string]any{
				"reader": readerIndex,
				"sector": sector,
				"block":  block,
				"error":  err.Error(),
			})
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, resp)

	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
			return
		}
		// The path wins over the body.
		req.ReaderIndex, req.Sector, req.Block = readerIndex, sector, block

		if err := h.writeBlock(r.Context(), req); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleTrailer writes a sector trailer.
// POST /v1/readers/{n}/trailer/{sector}/{block}
func (h *handlers) handleTrailer(w http.ResponseWriter, r *http.Request, readerIndex int, parts []string) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	sector, block, err := parseAddress(parts)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req struct {
		KeyA       string `json:"keyA"`
		KeyB       string `json:"keyB"`
		AccessBits string `json:"accessBits"`
		Key        string `json:"key"`
		KeyType    string `json:"keyType"`
		Confirm    bool   `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	// Require confirmation, a wrong trailer can lock the sector for good
	if !req.Confirm {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "must set confirm=true to write a sector trailer (WARNING: wrong keys lock the sector)",
		})
		return
	}

	trailer := &core.Trailer{}
	if req.KeyA != "" {
		if trailer.KeyA, err = core.ParseKey(req.KeyA, core.KeyA); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.KeyB != "" {
		if trailer.KeyB, err = core.ParseKey(req.KeyB, core.KeyB); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.AccessBits != "" {
		acls, err := hex.DecodeString(req.AccessBits)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "accessBits must be hex"})
			return
		}
		trailer.AccessBits = acls
	}
	key, err := parseKey(req.Key, req.KeyType)
	if err != nil {
		respondError(w, err)
		return
	}

	logging.Warn(logging.CatCard, "Writing sector trailer", map[string]any{
		"reader": readerIndex,
		"sector": sector,
		"block":  block,
	})
	err = h.sessions.WithCard(r.Context(), readerIndex, func(s *core.Session) error {
		if _, err := s.CheckATR(); err != nil {
			return err
		}
		return s.WriteTrailer(sector, block, key, trailer)
	})
	if err != nil {
		logging.Error(logging.CatCard, "Trailer write failed", map[string]any{
			"reader": readerIndex,
			"error":  err.Error(),
		})
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleDump returns a card image as JSON, or CBOR when asked for with
// ?format=cbor or Accept: application/cbor.
func (h *handlers) handleDump(w http.ResponseWriter, r *http.Request, readerIndex int) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	key, err := parseKey(q.Get("key"), q.Get("keyType"))
	if err != nil {
		respondError(w, err)
		return
	}

	var img *dump.Image
	err = h.sessions.WithCard(r.Context(), readerIndex, func(s *core.Session) error {
		img, err = dump.Read(s, key)
		return err
	})
	if err != nil {
		respondError(w, err)
		return
	}

	if q.Get("format") == "cbor" || strings.Contains(r.Header.Get("Accept"), "application/cbor") {
		data, err := img.Encode()
		if err != nil {
			respondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", img.ID+".cbor"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	respondJSON(w, http.StatusOK, img)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, versionInfo())
}

// handleUpdates reports whether a newer release is published.
// GET /v1/updates[?refresh=true]
func (h *handlers) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	force := r.URL.Query().Get("refresh") == "true"
	respondJSON(w, http.StatusOK, h.updates.Check(r.Context(), force))
}

func versionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, h.health())
}

// health reports "degraded" when the resource manager cannot be reached.
func (h *handlers) health() map[string]interface{} {
	readers, err := h.sessions.Readers()
	resp := map[string]interface{}{
		"status":      "ok",
		"readerCount": len(readers),
	}
	if err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
	}
	return resp
}

func handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if shutdownHandler == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go shutdownHandler()
}

// newService is replaced in tests.
var newService = service.New

// handleAutostart reports (GET), enables (POST) or disables (DELETE) the
// login service.
func handleAutostart(w http.ResponseWriter, r *http.Request) {
	svc := newService()

	var enable bool
	switch r.Method {
	case http.MethodGet:
		status, err := svc.Status()
		resp := map[string]any{"enabled": svc.IsInstalled(), "status": status}
		if err != nil {
			resp["error"] = err.Error()
		}
		respondJSON(w, http.StatusOK, resp)
		return
	case http.MethodPost:
		enable = true
	case http.MethodDelete:
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	verb, apply := "disabled", svc.Uninstall
	if enable {
		verb, apply = "enabled", svc.Install
	}
	if svc.IsInstalled() == enable {
		respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start already " + verb})
		return
	}

	if err := apply(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrUnsupported) {
			code = http.StatusNotImplemented
		}
		logging.Error(logging.CatSystem, "Auto-start change failed", map[string]any{
			"enable": enable,
			"error":  err.Error(),
		})
		respondJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	logging.Info(logging.CatSystem, "Auto-start "+verb+" via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start " + verb})
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		minLevel := logging.LevelDebug
		if levelStr := query.Get("level"); levelStr != "" {
			minLevel = logging.ParseLevel(levelStr)
		}

		entries := logging.GetEntries(limit, minLevel)
		if cat := query.Get("category"); cat != "" {
			filtered := entries[:0]
			for _, e := range entries {
				if string(e.Category) == cat {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
		})

	case http.MethodDelete:
		logging.Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

func settingsView(s settings.Settings) map[string]interface{} {
	return map[string]interface{}{
		"crashReporting": s.CrashReporting,
		"defaultReader":  s.DefaultReader,
		"hasDefaultKey":  s.DefaultKey != "",
	}
}

// handleSettings handles GET and POST requests for user settings. The
// default key is write-only.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settingsView(settings.Get()))

	case http.MethodPost:
		var req struct {
			CrashReporting *bool   `json:"crashReporting"`
			DefaultReader  *string `json:"defaultReader"`
			DefaultKey     *string `json:"defaultKey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}
		if req.DefaultKey != nil && *req.DefaultKey != "" {
			if _, err := core.ParseKey(*req.DefaultKey, core.KeyA); err != nil {
				respondError(w, err)
				return
			}
		}

		err := settings.Update(func(s *settings.Settings) {
			if req.CrashReporting != nil {
				s.CrashReporting = *req.CrashReporting
			}
			if req.DefaultReader != nil {
				s.DefaultReader = *req.DefaultReader
			}
			if req.DefaultKey != nil {
				s.DefaultKey = *req.DefaultKey
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}

		resp := settingsView(settings.Get())
		resp["message"] = "Settings updated. Restart may be required for some changes to take effect."
		respondJSON(w, http.StatusOK, resp)

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
