package polling

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/pkg/logger"
)

// FileStore 以原子替换的方式读写轮询状态文件：先写临时文件并落盘，
// 再把现有文件复制为备份，最后重命名临时文件。主文件损坏时回退到备份。
type FileStore struct {
	path   string
	backup string

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	hashed   bool
}

// NewFileStore 创建 FileStore，备份文件与主文件同目录。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, backup: path + ".bak"}
}

// Path 返回主文件路径。
func (s *FileStore) Path() string { return s.path }

// Load 读取状态；主文件缺失时视为空状态，主文件损坏时回退到备份。
// 两者都不可用时返回空状态以及 STATE_CORRUPT 错误，调用方据此记录丢失而不是退出。
func (s *FileStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, primaryErr := s.readLocked(s.path)
	if primaryErr == nil {
		return state, nil
	}
	if errors.Is(primaryErr, os.ErrNotExist) {
		if _, statErr := os.Stat(s.backup); errors.Is(statErr, os.ErrNotExist) {
			return &State{}, nil
		}
	}

	logger.L().Warn("轮询状态文件不可用，尝试读取备份",
		slog.String("path", s.path),
		slog.String("error", primaryErr.Error()))
	state, backupErr := s.readLocked(s.backup)
	if backupErr == nil {
		return state, nil
	}
	return &State{}, xerrors.Wrap(xerrors.CodeStateCorrupt, errors.Join(primaryErr, backupErr),
		"轮询状态与备份均不可读，已从空状态启动", xerrors.WithMetadata("path", s.path))
}

// Read 只读取主文件，不回退备份。合并外部修改时使用，避免用旧备份覆盖新状态。
func (s *FileStore) Read() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(s.path)
}

func (s *FileStore) readLocked(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	if path == s.path {
		s.lastHash = sha256.Sum256(data)
		s.hashed = true
	}
	return &state, nil
}

// Modified 报告主文件内容是否与本进程最近一次读写时不同，即是否被外部修改。
func (s *FileStore) Modified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	return !s.hashed || sha256.Sum256(data) != s.lastHash
}

// Save 原子地写入状态。
func (s *FileStore) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStateCorrupt, err, "序列化轮询状态失败")
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建状态目录失败")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时状态文件失败")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时状态文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新临时状态文件失败")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时状态文件失败")
	}

	if err := copyFile(s.path, s.backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "备份轮询状态失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换轮询状态文件失败")
	}
	s.lastHash = sha256.Sum256(data)
	s.hashed = true
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		// 损坏的主文件不覆盖最后一份好的备份。
		return nil
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
