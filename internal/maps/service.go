package maps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	apperrors "github.com/koopa0/system-design/14-fps-relay/pkg/errors"
)

// Config 地圖服務設定
type Config struct {
	Dir               string
	MaxUploadBytes    int64
	AllowedExtensions []string // 小寫、含點，例如 ".glb"
}

// Upload 一次上傳
type Upload struct {
	Name         string // 顯示名稱；空值時取原始檔名
	OriginalName string
	Body         io.Reader
}

// Service 地圖服務
type Service struct {
	cfg    Config
	index  Index
	logger *slog.Logger
	now    func() time.Time
}

// NewService 建立地圖服務並確保儲存目錄存在
func NewService(cfg Config, index Index, logger *slog.Logger) (*Service, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create maps dir: %w", err)
	}
	return &Service{
		cfg:    cfg,
		index:  index,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Dir 地圖檔案目錄
func (s *Service) Dir() string {
	return s.cfg.Dir
}

// Upload 檢查格式與大小後寫入檔案並登記索引
//
// 任何一步失敗都會移除已寫入的檔案。
func (s *Service) Upload(ctx context.Context, up Upload) (Record, error) {
	if up.Body == nil || up.OriginalName == "" {
		return Record{}, apperrors.ErrNoFile
	}

	original := filepath.Base(up.OriginalName)
	ext := strings.ToLower(filepath.Ext(original))
	if !slices.Contains(s.cfg.AllowedExtensions, ext) {
		return Record{}, apperrors.ErrUnsupportedFormat.WithDetails("Unsupported format: " + ext)
	}

	now := s.now()
	filename, f, err := s.create(now, SanitizeFilename(original))
	if err != nil {
		return Record{}, err
	}
	path := filepath.Join(s.cfg.Dir, filename)

	size, err := io.Copy(f, io.LimitReader(up.Body, s.cfg.MaxUploadBytes+1))
	closeErr := f.Close()
	if err == nil && size > s.cfg.MaxUploadBytes {
		err = apperrors.ErrFileTooLarge
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || errors.Is(err, apperrors.ErrFileTooLarge) {
			return Record{}, apperrors.ErrFileTooLarge.WithDetails(fmt.Sprintf("limit is %d bytes", s.cfg.MaxUploadBytes))
		}
		return Record{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "store map file")
	}

	rec := Record{
		ID:           ksuid.New().String(),
		Name:         DisplayName(up.Name, original),
		Filename:     filename,
		OriginalName: original,
		Size:         size,
		UploadedAt:   now.UTC(),
	}

	if err := s.index.Add(ctx, rec); err != nil {
		_ = os.Remove(path)
		return Record{}, fmt.Errorf("index map: %w", err)
	}

	s.logger.InfoContext(ctx, "map uploaded", "map_id", rec.ID, "filename", rec.Filename, "size", rec.Size)
	return rec, nil
}

// create 以 <毫秒>_<檔名> 建立新檔；同一毫秒重名時順延
func (s *Service) create(now time.Time, safeName string) (string, *os.File, error) {
	millis := now.UnixMilli()
	for attempt := 0; attempt < 100; attempt++ {
		filename := fmt.Sprintf("%d_%s", millis+int64(attempt), safeName)
		f, err := os.OpenFile(filepath.Join(s.cfg.Dir, filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "create map file")
		}
		return filename, f, nil
	}
	return "", nil, apperrors.New(apperrors.ErrCodeInternal, "could not allocate map filename")
}

// List 依上傳順序列出地圖
func (s *Service) List(ctx context.Context) ([]Record, error) {
	records, err := s.index.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	return records, nil
}

// Delete 移除索引與檔案；檔案已不存在時仍視為成功
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.index.Remove(ctx, id)
	if err != nil {
		return fmt.Errorf("remove map %s: %w", id, err)
	}

	path := filepath.Join(s.cfg.Dir, filepath.Base(rec.Filename))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.WarnContext(ctx, "remove map file failed", "map_id", id, "path", path, "error", err)
	}

	s.logger.InfoContext(ctx, "map deleted", "map_id", id, "filename", rec.Filename)
	return nil
}
