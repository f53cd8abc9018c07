package core

import (
	"lookup-gateway/models"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// auditItem 一次 resolve 的审计记录及其 attempts
type auditItem struct {
	entry    *models.LookupLog
	attempts []AttemptRecord
}

// AsyncLookupLogger 异步审计日志记录器
type AsyncLookupLogger struct {
	db        *gorm.DB
	logChan   chan auditItem
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	keepLogs  int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncLookupLogger 创建异步审计日志记录器，keepLogs 为保留的最新记录条数
func NewAsyncLookupLogger(db *gorm.DB, logger *logrus.Logger, keepLogs int) *AsyncLookupLogger {
	if keepLogs <= 0 {
		keepLogs = 1000
	}
	l := &AsyncLookupLogger{
		db:        db,
		logChan:   make(chan auditItem, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		keepLogs:  keepLogs,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Log 提交到队列，队列满时丢弃，不阻塞查询
func (l *AsyncLookupLogger) Log(entry *models.LookupLog, attempts []AttemptRecord) {
	select {
	case l.logChan <- auditItem{entry: entry, attempts: attempts}:
	default:
		l.logger.Warn("Audit channel full, dropping lookup log")
	}
}

func (l *AsyncLookupLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncLookupLogger) workerLoop() {
	var batch []auditItem
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case item := <-l.logChan:
			batch = append(batch, item)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前排空队列
			for {
				select {
				case item := <-l.logChan:
					batch = append(batch, item)
				default:
					if len(batch) > 0 {
						l.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush 批量写入审计日志并更新 provider 统计
func (l *AsyncLookupLogger) flush(items []auditItem) {
	logs := make([]*models.LookupLog, 0, len(items))
	for _, it := range items {
		logs = append(logs, it.entry)
	}
	l.logger.Debugf("[Audit] Flushing %d lookup logs", len(logs))

	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to flush logs: %v", err)
	}
	l.prune()

	type statDelta struct {
		Success      int
		Error        int
		Skipped      int
		TotalLatency float64
		Requests     int
	}
	deltas := make(map[string]*statDelta)
	for _, it := range items {
		for _, a := range it.attempts {
			d, ok := deltas[a.Provider]
			if !ok {
				d = &statDelta{}
				deltas[a.Provider] = d
			}
			switch a.Outcome {
			case OutcomeSuccess:
				d.Success++
				d.Requests++
			case OutcomeFailed:
				d.Error++
				d.Requests++
			default:
				d.Skipped++
			}
			d.TotalLatency += float64(a.Latency.Milliseconds())
		}
	}

	for provider, d := range deltas {
		var stat models.ProviderStats
		err := l.db.Where("provider = ?", provider).First(&stat).Error
		if err == nil {
			stat.Success += d.Success
			stat.Error += d.Error
			stat.Skipped += d.Skipped
			stat.TotalLatency += d.TotalLatency
			stat.TotalRequests += int64(d.Requests)
			if err := l.db.Save(&stat).Error; err != nil {
				l.logger.Errorf("[Audit] Failed to update stats for %s: %v", provider, err)
			}
			continue
		}
		stat = models.ProviderStats{
			Provider:      provider,
			Success:       d.Success,
			Error:         d.Error,
			Skipped:       d.Skipped,
			TotalLatency:  d.TotalLatency,
			TotalRequests: int64(d.Requests),
		}
		if err := l.db.Create(&stat).Error; err != nil {
			l.logger.Errorf("[Audit] Failed to create stats for %s: %v", provider, err)
		}
	}
}

// prune 只保留最新的 keepLogs 条
func (l *AsyncLookupLogger) prune() {
	var count int64
	if err := l.db.Model(&models.LookupLog{}).Count(&count).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to count logs: %v", err)
		return
	}
	if count <= int64(l.keepLogs) {
		return
	}

	var pivotID uint
	if err := l.db.Model(&models.LookupLog{}).Select("id").Order("id desc").Offset(l.keepLogs).Limit(1).Scan(&pivotID).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to find prune pivot: %v", err)
		return
	}
	if pivotID == 0 {
		return
	}
	if err := l.db.Where("id <= ?", pivotID).Delete(&models.LookupLog{}).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to prune logs: %v", err)
	}
}

// Close 刷新剩余日志并停止 worker，可重复调用
func (l *AsyncLookupLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
