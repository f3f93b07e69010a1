package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc представляет функцию задачи планировщика.
type JobFunc func(ctx context.Context) error

// JobID представляет идентификатор зарегистрированной задачи.
type JobID int

// OverlapPolicy определяет политику обработки перекрывающихся выполнений задач.
type OverlapPolicy int

const (
	// AllowOverlap разрешает параллельное выполнение задач (по умолчанию).
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает выполнение, если задача уже запущена.
	SkipIfRunning
	// DelayIfRunning ждет завершения предыдущего выполнения.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	default:
		return "allow"
	}
}

// Job описывает периодическую задачу. Должно быть задано ровно одно из полей
// Schedule и Every.
type Job struct {
	Name string
	// Schedule - cron-выражение с необязательными секундами или дескриптор
	// вида "@every 1m", "@hourly".
	Schedule string
	// Every - фиксированный интервал запуска через ticker.
	Every   time.Duration
	Timeout time.Duration
	Overlap OverlapPolicy
	Run     JobFunc
}

// ErrInvalidJob возвращается из Add для некорректно описанной задачи.
var ErrInvalidJob = errors.New("scheduler: invalid job")

// Hooks содержит необязательные хуки для наблюдаемости. Любое поле может быть nil.
type Hooks struct {
	OnJobStart  func(name string)
	OnJobFinish func(name string, duration time.Duration, err error)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger *slog.Logger
	Hooks  Hooks
}

type registered struct {
	job     Job
	running sync.Mutex // для контроля перекрытий
	cronID  cron.EntryID
	cancel  context.CancelFunc
}

// Scheduler управляет периодическими задачами (cron и ticker) до остановки.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	hooks  Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[JobID]*registered
	nextID JobID

	startOnce sync.Once
	stopOnce  sync.Once
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New создает планировщик, привязанный к родительскому контексту.
// Отмена parent останавливает планировщик.
func New(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cronLogger{logger: logger}),
		),
		logger: logger,
		hooks:  cfg.Hooks,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[JobID]*registered),
		nextID: 1,
	}
}

// Add регистрирует задачу j. Ticker-задачи начинают работать сразу,
// cron-задачи срабатывают только после вызова Start.
func (s *Scheduler) Add(j Job) (JobID, error) {
	if err := validate(j); err != nil {
		return 0, err
	}
	if !s.IsRunning() {
		return 0, fmt.Errorf("%w: scheduler stopped", ErrInvalidJob)
	}
	if j.Name == "" {
		j.Name = "unnamed"
	}
	reg := &registered{job: j}

	if j.Schedule != "" {
		entryID, err := s.cron.AddFunc(j.Schedule, func() { s.runJob(reg) })
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidJob, j.Name, err)
		}
		reg.cronID = entryID
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.jobs[id] = reg
	s.mu.Unlock()

	if j.Every > 0 {
		ctx, cancel := context.WithCancel(s.ctx)
		reg.cancel = cancel
		s.wg.Add(1)
		go s.tick(ctx, reg)
	}

	s.logger.Info("job added", "name", j.Name, "schedule", j.Schedule, "every", j.Every, "overlap", j.Overlap.String(), "id", id)
	return id, nil
}

func validate(j Job) error {
	switch {
	case j.Run == nil:
		return fmt.Errorf("%w: %q has no Run func", ErrInvalidJob, j.Name)
	case j.Schedule == "" && j.Every <= 0:
		return fmt.Errorf("%w: %q needs Schedule or Every", ErrInvalidJob, j.Name)
	case j.Schedule != "" && j.Every > 0:
		return fmt.Errorf("%w: %q sets both Schedule and Every", ErrInvalidJob, j.Name)
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context, reg *registered) {
	defer s.wg.Done()

	ticker := time.NewTicker(reg.job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runJob(reg)
		case <-ctx.Done():
			return
		}
	}
}

// Remove удаляет задачу. Для неизвестного id возвращает false.
func (s *Scheduler) Remove(id JobID) bool {
	s.mu.Lock()
	reg, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	if reg.cancel != nil {
		reg.cancel()
	}
	if reg.job.Schedule != "" {
		s.cron.Remove(reg.cronID)
	}
	s.logger.Info("job removed", "name", reg.job.Name, "id", id)
	return true
}

// Jobs возвращает имена зарегистрированных задач в порядке добавления.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for id := JobID(1); id < s.nextID; id++ {
		if reg, ok := s.jobs[id]; ok {
			names = append(names, reg.job.Name)
		}
	}
	return names
}

// Start запускает cron-задачи. Повторные вызовы ничего не делают.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает все задачи и ждет завершения выполняющихся.
func (s *Scheduler) Stop() {
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext работает как Stop, но ожидание ограничено ctx.
// Если ctx истекает раньше, остановка завершается в фоне.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded")
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning сообщает, что планировщик еще не остановлен.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}

func (s *Scheduler) runJob(reg *registered) {
	name := reg.job.Name

	switch reg.job.Overlap {
	case SkipIfRunning:
		if !reg.running.TryLock() {
			s.logger.Debug("skipping job, previous run still active", "name", name)
			return
		}
		defer reg.running.Unlock()
	case DelayIfRunning:
		reg.running.Lock()
		defer reg.running.Unlock()
	}

	if s.ctx.Err() != nil {
		return
	}

	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	ctx := s.ctx
	if reg.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.invoke(ctx, reg.job)
	duration := time.Since(start)

	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(name, duration, err)
	}
	if err != nil {
		s.logger.Error("job failed", "name", name, "error", err, "duration", duration)
		return
	}
	s.logger.Debug("job completed", "name", name, "duration", duration)
}

func (s *Scheduler) invoke(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
	}()
	return j.Run(ctx)
}

// cronLogger адаптер для интеграции cron logger с slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
