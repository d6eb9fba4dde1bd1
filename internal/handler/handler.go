// Package handler 組裝中繼伺服器的 HTTP 介面
//
//	GET    /ws              WebSocket 中繼
//	GET    /health          健康檢查
//	GET    /stats           連線與房間統計
//	POST   /api/maps        上傳地圖（multipart：map、name）
//	GET    /api/maps        地圖清單
//	DELETE /api/maps/{id}   刪除地圖
//	GET    /maps/{filename} 地圖檔案
//	GET    /*               前端靜態檔（設定 static_dir 時）
package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/koopa0/system-design/14-fps-relay/internal/maps"
	"github.com/koopa0/system-design/14-fps-relay/internal/relay"
	apperrors "github.com/koopa0/system-design/14-fps-relay/pkg/errors"
	"github.com/koopa0/system-design/14-fps-relay/pkg/logger"
)

// multipart 標頭與 name 欄位的額外空間
const multipartOverhead = 1 << 20

// Relay 統計來源
type Relay interface {
	Stats() relay.Stats
}

// Connections 連線數來源
type Connections interface {
	Len() int
}

// Maps 地圖服務
type Maps interface {
	Upload(ctx context.Context, up maps.Upload) (maps.Record, error)
	List(ctx context.Context) ([]maps.Record, error)
	Delete(ctx context.Context, id string) error
	Dir() string
}

// Options 處理器設定
type Options struct {
	StaticDir      string // 前端打包目錄；空值不提供
	CORSOrigin     string
	MaxUploadBytes int64
	UploadLimit    func(http.Handler) http.Handler // 上傳限流中介軟體；nil 表示不限
}

// Handler HTTP 請求處理器
type Handler struct {
	relay   Relay
	conns   Connections
	ws      http.HandlerFunc
	maps    Maps
	opts    Options
	logger  *slog.Logger
	started time.Time
}

// New 創建 HTTP 處理器
func New(rel Relay, conns Connections, ws http.HandlerFunc, mapSvc Maps, opts Options, logger *slog.Logger) *Handler {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	return &Handler{
		relay:   rel,
		conns:   conns,
		ws:      ws,
		maps:    mapSvc,
		opts:    opts,
		logger:  logger,
		started: time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.requestID, h.loggerMiddleware, h.recoverer)

	r.HandleFunc("/ws", h.ws).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)

	api := r.PathPrefix("/api/maps").Subrouter()
	upload := http.Handler(http.HandlerFunc(h.uploadMap))
	if h.opts.UploadLimit != nil {
		upload = h.opts.UploadLimit(upload)
	}
	api.Handle("", upload).Methods(http.MethodPost)
	api.HandleFunc("", h.listMaps).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.deleteMap).Methods(http.MethodDelete)

	r.PathPrefix("/maps/").Handler(http.StripPrefix("/maps/", noDirListing(http.FileServer(http.Dir(h.maps.Dir())))))

	if spa, ok := h.spaHandler(); ok {
		r.PathPrefix("/").Handler(spa)
	}

	return h.cors(r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC(),
	}, http.StatusOK)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.relay.Stats()
	h.jsonResponse(w, map[string]any{
		"connections": h.conns.Len(),
		"rooms":       stats.Rooms,
		"players":     stats.Players,
		"room_list":   stats.List,
		"uptime":      time.Since(h.started).Round(time.Second).String(),
	}, http.StatusOK)
}

func (h *Handler) uploadMap(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.handleError(w, r, apperrors.ErrFileTooLarge)
			return
		}
		h.handleError(w, r, apperrors.ErrNoFile.WithDetails(err.Error()))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("map")
	if err != nil {
		h.handleError(w, r, apperrors.ErrNoFile)
		return
	}
	defer file.Close()

	rec, err := h.maps.Upload(r.Context(), maps.Upload{
		Name:         r.FormValue("name"),
		OriginalName: header.Filename,
		Body:         file,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.jsonResponse(w, rec, http.StatusOK)
}

func (h *Handler) listMaps(w http.ResponseWriter, r *http.Request) {
	records, err := h.maps.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if records == nil {
		records = []maps.Record{}
	}
	h.jsonResponse(w, records, http.StatusOK)
}

func (h *Handler) deleteMap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.maps.Delete(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}

// spaHandler 靜態檔案，找不到的路徑回傳 index.html 交給前端路由
func (h *Handler) spaHandler() (http.Handler, bool) {
	if h.opts.StaticDir == "" {
		return nil, false
	}
	if info, err := os.Stat(h.opts.StaticDir); err != nil || !info.IsDir() {
		h.logger.Warn("static dir not found, frontend disabled", "dir", h.opts.StaticDir)
		return nil, false
	}

	fs := http.FileServer(http.Dir(h.opts.StaticDir))
	index := filepath.Join(h.opts.StaticDir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(h.opts.StaticDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, index)
	}), true
}

// noDirListing 目錄路徑一律 404
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleError 依錯誤碼決定狀態碼
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(apperrors.Code(err))

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal server error")
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}

	body := map[string]string{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if appErr.Details != "" && status < http.StatusInternalServerError {
		body["details"] = appErr.Details
	}
	h.jsonResponse(w, body, status)
}

func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeUnsupportedFormat:
		return http.StatusBadRequest
	case apperrors.ErrCodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// cors 允許跨來源存取；預檢請求直接回 204
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.opts.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, PATCH, POST, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestID 沿用客戶端帶來的 X-Request-ID，否則產生新的
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.ErrorContext(r.Context(), "panic while handling request",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path)

				h.handleError(w, r, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack WebSocket 升級需要接管連線
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
