package utils

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronJob は定期実行する処理。Specはcronの書式（"@every 60s", "@daily" など）
type CronJob struct {
	Name string
	Spec string
	Run  func()
}

// StartCronJobs はジョブを登録してスケジューラを起動する。停止は呼び出し側でStop()
func StartCronJobs(logger *zap.Logger, jobs ...CronJob) (*cron.Cron, error) {
	c := cron.New()
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.Spec, func() {
			logger.Debug("cronジョブを開始", zap.String("job", job.Name))
			job.Run()
		}); err != nil {
			return nil, fmt.Errorf("cronジョブ %s の登録に失敗しました: %w", job.Name, err)
		}
		logger.Info("cronジョブを登録", zap.String("job", job.Name), zap.String("spec", job.Spec))
	}
	c.Start()
	return c, nil
}
