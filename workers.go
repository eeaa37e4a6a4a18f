package orion

import (
	"log/slog"
	"sync"
)

// WorkerPool runs fire-and-forget side effects on a bounded queue. When
// the queue is full the oldest pending task is dropped, so submitters
// never block and fresh work wins over stale work.
type WorkerPool struct {
	tasks  chan func()
	logger *slog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWorkerPool starts workers goroutines over a queue of queueCap tasks.
func NewWorkerPool(workers, queueCap int, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if queueCap <= 0 {
		queueCap = 64
	}
	if logger == nil {
		logger = nopLogger
	}
	p := &WorkerPool{
		tasks:  make(chan func(), queueCap),
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				p.run(task)
			}
		}()
	}
	return p
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked", "panic", r)
		}
	}()
	task()
}

// Submit enqueues a task. A full queue drops the oldest pending task to
// make room; Submit itself never blocks.
func (p *WorkerPool) Submit(task func()) {
	for {
		select {
		case p.tasks <- task:
			return
		default:
		}
		select {
		case <-p.tasks:
			p.logger.Debug("worker queue full, oldest task dropped")
		default:
		}
	}
}

// Close stops intake and waits for in-flight tasks.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
