// Package scheduler decides when the dispatcher and reconciler run.
//
// Dispatch cycles are triggered by the periodic timer, by an offline to
// online transition, by new queue items and by explicit requests. Every
// trigger is ignored while the connectivity monitor reports offline.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync/dispatch"
	"github.com/kimhsiao/fieldsync/internal/sync/netmon"
	"github.com/kimhsiao/fieldsync/internal/sync/reconcile"
)

// Dispatcher runs one dispatch cycle.
type Dispatcher interface {
	RunCycle(ctx context.Context) (*dispatch.CycleResult, error)
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconcile.Result, error)
}

// Connectivity is the connectivity monitor as seen by the scheduler.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan netmon.Event, func())
}

// Scheduler manages background dispatch and reconciliation.
type Scheduler struct {
	dispatcher        Dispatcher
	reconciler        Reconciler
	connectivity      Connectivity
	queueNotify       <-chan struct{}
	dispatchInterval  time.Duration
	reconcileInterval time.Duration

	dispatchTrigger  chan struct{}
	reconcileTrigger chan struct{}
	stopCh           chan struct{}
	wg               sync.WaitGroup

	mu                sync.RWMutex
	isRunning         bool
	lastCycleTime     time.Time
	lastReconcileTime time.Time
	lastError         error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DispatchInterval  time.Duration // How often to drain the queue when online (default: 30 seconds)
	ReconcileInterval time.Duration // How often to pull server state when online (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DispatchInterval:  30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. queueNotify, when non-nil, signals
// newly enqueued items.
func NewScheduler(dispatcher Dispatcher, reconciler Reconciler, connectivity Connectivity, queueNotify <-chan struct{}, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		dispatcher:        dispatcher,
		reconciler:        reconciler,
		connectivity:      connectivity,
		queueNotify:       queueNotify,
		dispatchInterval:  config.DispatchInterval,
		reconcileInterval: config.ReconcileInterval,
		dispatchTrigger:   make(chan struct{}, 1),
		reconcileTrigger:  make(chan struct{}, 1),
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	// Subscribe before returning so no transition after Start is missed
	events, unsubscribe := s.connectivity.Subscribe()

	s.wg.Add(2)
	go s.dispatchLoop(ctx, events, unsubscribe)
	go s.reconcileLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"dispatch_interval":  s.dispatchInterval.String(),
		"reconcile_interval": s.reconcileInterval.String(),
	})
}

// Stop stops the background loops and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// TriggerDispatch requests a dispatch cycle. Requests made while one is
// pending collapse into it.
func (s *Scheduler) TriggerDispatch() {
	select {
	case s.dispatchTrigger <- struct{}{}:
	default:
	}
}

// TriggerReconcile requests a reconciliation pass.
func (s *Scheduler) TriggerReconcile() {
	select {
	case s.reconcileTrigger <- struct{}{}:
	default:
	}
}

// dispatchLoop runs cycles on ticks, connectivity edges, new items and triggers.
func (s *Scheduler) dispatchLoop(ctx context.Context, events <-chan netmon.Event, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(s.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Online {
				logging.Debug("Back online, draining queue", nil)
				s.runCycle(ctx)
				s.TriggerReconcile()
			}
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.queueNotify:
			s.runCycle(ctx)
		case <-s.dispatchTrigger:
			s.runCycle(ctx)
		}
	}
}

// reconcileLoop pulls server state on ticks and triggers.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runReconcile(ctx)
		case <-s.reconcileTrigger:
			s.runReconcile(ctx)
		}
	}
}

// runCycle executes a dispatch cycle when online.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.connectivity.Online() {
		logging.Debug("Skipping dispatch - offline", nil)
		return
	}

	result, err := s.dispatcher.RunCycle(ctx)
	if err != nil {
		logging.ErrorWithCode("Dispatch cycle failed", string(errors.ErrSyncFailed), err, nil)
	}

	s.mu.Lock()
	s.lastError = err
	if err == nil && result != nil && !result.Skipped {
		s.lastCycleTime = time.Now()
	}
	s.mu.Unlock()

	// Confirmed pushes may have been reshaped server side
	if err == nil && result != nil && !result.Skipped && result.Succeeded > 0 {
		s.TriggerReconcile()
	}
}

// runReconcile executes a reconciliation pass when online.
func (s *Scheduler) runReconcile(ctx context.Context) {
	if !s.connectivity.Online() {
		logging.Debug("Skipping reconcile - offline", nil)
		return
	}

	_, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		logging.ErrorWithCode("Reconciliation failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_minutes": s.reconcileInterval.Minutes()})
	}

	s.mu.Lock()
	s.lastError = err
	if err == nil {
		s.lastReconcileTime = time.Now()
	}
	s.mu.Unlock()
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning         bool
	IsOnline          bool
	LastCycleTime     *time.Time
	LastReconcileTime *time.Time
	LastError         error
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.connectivity.Online(),
		LastError: s.lastError,
	}
	if !s.lastCycleTime.IsZero() {
		t := s.lastCycleTime
		status.LastCycleTime = &t
	}
	if !s.lastReconcileTime.IsZero() {
		t := s.lastReconcileTime
		status.LastReconcileTime = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
