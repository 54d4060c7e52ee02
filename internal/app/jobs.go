package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/talkincode/wafleet/internal/domain"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedMessageRetentionTask()
	})
	if err != nil {
		zap.S().Errorf("failed to schedule message retention task: %v", err)
	}

	_, err = a.sched.AddFunc("@every 10m", func() {
		a.SchedStaleQRTask()
	})
	if err != nil {
		zap.S().Errorf("failed to schedule stale qr task: %v", err)
	}

	a.sched.Start()
}

// SchedMessageRetentionTask trims the message log to the configured
// retention window.
func (a *Application) SchedMessageRetentionTask() {
	days := a.appConfig.Fleet.MessagesRetentionDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res := a.gormDB.Where("created_at < ?", cutoff).Delete(&domain.WhatsAppMessage{})
	if res.Error != nil {
		zap.L().Error("retention sweep failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Info("retention sweep removed messages",
			zap.Int64("rows", res.RowsAffected), zap.Time("cutoff", cutoff))
	}
}

// SchedStaleQRTask clears qr_pending rows whose QR expired long ago. The
// protocol library re-issues codes while a socket is alive, so a long-stale
// row means nobody is pairing anymore; the registry should not keep
// advertising a dead QR blob.
func (a *Application) SchedStaleQRTask() {
	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	res := a.gormDB.Model(&domain.WhatsAppInstance{}).
		Where("connection_status = ? AND qr_code_expires_at < ?", domain.StatusQRPending, cutoff).
		Updates(map[string]interface{}{
			"connection_status":  domain.StatusDisconnected,
			"qr_code":            nil,
			"qr_code_expires_at": nil,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		zap.L().Error("stale qr sweep failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Info("stale qr sweep cleared rows", zap.Int64("rows", res.RowsAffected))
	}
}
