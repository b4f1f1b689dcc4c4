package task

import (
	"context"
	"sync"

	xerrors "OpenMCP-Swap/internal/errors"
)

// MemoryQueue 使用带缓冲 channel 投递消息 ID，用于单进程部署与测试。
// 关闭后 Publish 返回不可重试的 QUEUE_FAILURE，Consume 的工作协程随之退出。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列，size 为缓冲区大小。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))
}

// Publish 将消息 ID 投递到队列，缓冲区满时阻塞直到有空位或上下文取消。
func (q *MemoryQueue) Publish(ctx context.Context, id string) error {
	select {
	case <-q.done:
		return errQueueClosed()
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- id:
		return nil
	}
}

// Consume 启动 workerCount 个工作协程，直到上下文取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case id := <-q.ch:
					// 失败由处理函数自行记录与重投。
					_ = handler(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errQueueClosed()
}

// Close 关闭队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
