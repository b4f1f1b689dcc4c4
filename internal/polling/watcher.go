package polling

import (
	"context"
	"log/slog"
	"path/filepath"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/pkg/logger"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听状态文件所在目录，把文件变化折叠成一个信号写入 Changes。
// 信号通道容量为 1，轮询进行期间发生的多次修改只会在本轮结束后处理一次。
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	log     *slog.Logger
}

// NewWatcher 开始监听 path 所在目录。
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建文件监听器失败")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析状态文件路径失败")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "监听状态目录失败",
			xerrors.WithMetadata("dir", filepath.Dir(abs)))
	}
	return &Watcher{
		path:    abs,
		watcher: fw,
		changes: make(chan struct{}, 1),
		log:     logger.Named("polling.watcher"),
	}, nil
}

// Changes 返回外部修改信号。
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Run 转发文件事件直到 ctx 结束。
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("状态文件监听出错", slog.String("error", err.Error()))
		}
	}
}

// Close 停止监听。
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
