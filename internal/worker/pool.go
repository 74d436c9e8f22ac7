package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/mret-tools/apk-patcher-go/internal/pipeline"
	"github.com/sirupsen/logrus"
)

// Runner 执行一次完整注入流水线
type Runner interface {
	Run(ctx context.Context, apkPath string) (*pipeline.Result, error)
}

// Job 一个待处理的 APK
type Job struct {
	APKPath  string
	resultCh chan error // 同步等待用
}

// Pool 注入流水线 Worker 池
// 批量模式下多个 APK 并行打补丁，互不共享工作区
type Pool struct {
	workers int
	jobChan chan *Job
	runner  Runner
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, runner Runner, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers: workers,
		jobChan: make(chan *Job, queueSize),
		runner:  runner,
		logger:  logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				p.logger.WithField("worker_id", id).Info("Job channel closed, worker exiting")
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"apk_path":  job.APKPath,
			}).Info("Processing APK")

			result, err := p.runner.Run(ctx, job.APKPath)
			if err != nil {
				failureType := domain.FailureTypeOf(err)
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id":    id,
					"apk_path":     job.APKPath,
					"failure_type": failureType,
					"can_retry":    failureType.CanRetry(),
				}).Error("Patch run failed")
			} else {
				p.logger.WithFields(logrus.Fields{
					"worker_id": id,
					"run_id":    result.RunID,
					"output":    result.OutputPath,
				}).Info("Patch run completed")
			}

			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	select {
	case p.jobChan <- job:
		p.logger.WithField("apk_path", job.APKPath).Debug("Job submitted to pool")
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	select {
	case p.jobChan <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待在途任务完成
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	close(p.jobChan)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 队列中等待的任务数
func (p *Pool) QueueSize() int {
	return len(p.jobChan)
}
