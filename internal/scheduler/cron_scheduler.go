package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// CronScheduler resubmits workflow definitions on cron expressions
type CronScheduler struct {
	logger    *zap.Logger
	submitter Submitter
	cron      *cron.Cron
	parser    cron.Parser
	schedules sync.Map
	entryIDs  sync.Map
	subs      []*nats.Subscription

	// mu guards the run times of stored schedules
	mu sync.Mutex
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewCronScheduler creates a new cron scheduler
func NewCronScheduler(submitter Submitter, logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger)),
	}

	return &CronScheduler{
		logger:    logger.Named("cron-scheduler"),
		submitter: submitter,
		cron:      cron.New(cronOptions...),
		parser:    cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start starts the cron scheduler
func (s *CronScheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("Cron scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddSchedule registers a recurring submission
func (s *CronScheduler) AddSchedule(ctx context.Context, schedule *model.CronSchedule) error {
	if schedule.Definition == nil {
		return errors.New("schedule has no workflow definition")
	}
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	schedule.UpdatedAt = time.Now()

	spec, err := s.parser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	// Reject definitions that could never be accepted before they start firing.
	if _, err := BuildDependencyGraph(schedule.Definition.Tasks); err != nil {
		return fmt.Errorf("invalid scheduled definition: %w", err)
	}

	next := spec.Next(time.Now())
	schedule.NextRunTime = &next

	// The job owns its own copy. Callers read run times through GetSchedule.
	stored := *schedule
	if _, exists := s.schedules.LoadOrStore(schedule.ID, &stored); exists {
		return fmt.Errorf("schedule already exists: %s", schedule.ID)
	}

	entryID := s.cron.Schedule(spec, &cronJob{
		scheduler: s,
		schedule:  &stored,
	})
	s.entryIDs.Store(schedule.ID, entryID)

	s.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.Time("next_run", next))

	return nil
}

// RemoveSchedule removes a schedule
func (s *CronScheduler) RemoveSchedule(id string) error {
	entryIDVal, ok := s.entryIDs.Load(id)
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}

	s.cron.Remove(entryIDVal.(cron.EntryID))
	s.entryIDs.Delete(id)
	s.schedules.Delete(id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule returns a copy of a schedule
func (s *CronScheduler) GetSchedule(id string) (*model.CronSchedule, error) {
	val, ok := s.schedules.Load(id)
	if !ok {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule := *val.(*model.CronSchedule)
	return &schedule, nil
}

// ListSchedules returns copies of all schedules ordered by id
func (s *CronScheduler) ListSchedules() []*model.CronSchedule {
	var schedules []*model.CronSchedule
	s.mu.Lock()
	s.schedules.Range(func(key, value interface{}) bool {
		schedule := *value.(*model.CronSchedule)
		schedules = append(schedules, &schedule)
		return true
	})
	s.mu.Unlock()

	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules
}

// SubscribeCommands accepts schedule.add / schedule.remove commands over JetStream
func (s *CronScheduler) SubscribeCommands(ctx context.Context, js nats.JetStreamContext) error {
	if err := ensureStream(js, &nats.StreamConfig{
		Name:     "SCHEDULES",
		Subjects: []string{"schedule.*"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  -1,
	}); err != nil {
		return err
	}

	addSub, err := js.Subscribe(scheduleAddSubject, func(msg *nats.Msg) {
		var schedule model.CronSchedule
		if err := json.Unmarshal(msg.Data, &schedule); err != nil {
			s.logger.Error("Failed to unmarshal schedule", zap.Error(err))
			msg.Term()
			return
		}

		if err := s.AddSchedule(ctx, &schedule); err != nil {
			s.logger.Error("Failed to add schedule", zap.Error(err))
		}
		msg.Ack()
	}, nats.Durable("schedule-add-consumer"), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", scheduleAddSubject, err)
	}

	removeSub, err := js.Subscribe(scheduleRemoveSubject, func(msg *nats.Msg) {
		var id string
		if err := json.Unmarshal(msg.Data, &id); err != nil {
			s.logger.Error("Failed to unmarshal schedule ID", zap.Error(err))
			msg.Term()
			return
		}

		if err := s.RemoveSchedule(id); err != nil {
			s.logger.Error("Failed to remove schedule", zap.Error(err))
		}
		msg.Ack()
	}, nats.Durable("schedule-remove-consumer"), nats.ManualAck())
	if err != nil {
		addSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", scheduleRemoveSubject, err)
	}

	s.subs = append(s.subs, addSub, removeSub)
	return nil
}

func ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if _, err := js.AddStream(cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// cronJob implements cron.Job interface
type cronJob struct {
	scheduler *CronScheduler
	schedule  *model.CronSchedule
}

// Run implements cron.Job
func (j *cronJob) Run() {
	s := j.scheduler
	now := time.Now()

	def := j.schedule.Definition.Clone()
	def.ID = ""
	if def.Name == "" {
		def.Name = j.schedule.Name
	}

	id, err := s.submitter.SubmitWorkflow(context.Background(), def)
	if err != nil {
		s.logger.Error("Failed to submit scheduled workflow",
			zap.String("id", j.schedule.ID),
			zap.Error(err))
		return
	}

	next := s.cron.Entry(j.entryID()).Next
	s.mu.Lock()
	j.schedule.LastRunTime = &now
	j.schedule.LastRunID = id
	j.schedule.NextRunTime = &next
	s.mu.Unlock()

	s.logger.Info("Executed schedule",
		zap.String("id", j.schedule.ID),
		zap.String("name", j.schedule.Name),
		zap.String("workflow_id", id),
		zap.Time("executed_at", now),
		zap.Time("next_run", next))
}

func (j *cronJob) entryID() cron.EntryID {
	v, ok := j.scheduler.entryIDs.Load(j.schedule.ID)
	if !ok {
		return 0
	}
	return v.(cron.EntryID)
}
