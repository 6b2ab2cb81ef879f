package relay

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nearkey/signer-core/internal/logging"
)

// RotationSchedule configures the key-id rotation cron job.
type RotationSchedule struct {
	CronExpr     string        // standard 5-field cron expression
	GraceTTL     time.Duration // how long a demoted key stays valid
	MaxGraceKeys int
}

// RotationJob drives scheduled Shamir key-id rotation, grounded on the
// teacher's use of robfig/cron/v3 for scheduled automation work.
type RotationJob struct {
	service  *Service
	schedule RotationSchedule
	cron     *cron.Cron
	log      *logging.Logger
}

// NewRotationJob constructs a RotationJob. Call Start to begin the
// schedule; the returned job is otherwise inert.
func NewRotationJob(service *Service, schedule RotationSchedule) *RotationJob {
	log := service.log
	if log == nil {
		log = logging.NewDefault("relay-rotation")
	}
	return &RotationJob{
		service:  service,
		schedule: schedule,
		cron:     cron.New(),
		log:      log,
	}
}

// Start registers the rotation schedule and begins the cron scheduler's
// background goroutine. Returns an error if schedule.CronExpr does not
// parse as a standard 5-field expression.
func (j *RotationJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule.CronExpr, j.runOnce)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight rotation to finish.
func (j *RotationJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *RotationJob) runOnce() {
	if j.service.shamir == nil {
		return
	}
	info, err := j.service.shamir.Rotate(j.schedule.GraceTTL, j.schedule.MaxGraceKeys)
	if err != nil {
		j.log.WithField("error", err.Error()).Error("shamir key rotation failed")
		return
	}
	if j.service.metrics != nil {
		j.service.metrics.RecordShamirRotation()
	}
	if err := j.service.shamir.PruneExpired(); err != nil {
		j.log.WithField("error", err.Error()).Warn("prune expired shamir grace keys failed")
	}
	j.log.WithField("key_id", info.KeyID).Info("rotated shamir server key")
}
