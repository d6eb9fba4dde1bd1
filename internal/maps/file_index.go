package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/koopa0/system-design/14-fps-relay/pkg/errors"
)

// FileIndex 以單一 JSON 陣列檔保存索引
//
// 每次修改都整檔重寫：先寫暫存檔再 rename，程序中斷時不會留下半個檔案。
type FileIndex struct {
	path string
	mu   sync.Mutex
}

// NewFileIndex 開啟索引檔；不存在時建立空陣列
func NewFileIndex(path string) (*FileIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	idx := &FileIndex{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := idx.write(nil); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat index: %w", err)
	}
	return idx, nil
}

// List 實現 Index
func (f *FileIndex) List(_ context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Add 實現 Index
func (f *FileIndex) Add(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.read()
	if err != nil {
		return err
	}
	return f.write(append(records, rec))
}

// Remove 實現 Index
func (f *FileIndex) Remove(_ context.Context, id string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.read()
	if err != nil {
		return Record{}, err
	}

	for i, rec := range records {
		if rec.ID != id {
			continue
		}
		records = append(records[:i], records[i+1:]...)
		if err := f.write(records); err != nil {
			return Record{}, err
		}
		return rec, nil
	}
	return Record{}, apperrors.ErrMapNotFound
}

func (f *FileIndex) read() ([]Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", f.path, err)
	}
	return records, nil
}

func (f *FileIndex) write(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".maps-*.json")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}
