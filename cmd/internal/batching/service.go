// Package batching coordinates per-user admission, debounced batching and
// batch processing.
package batching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"batchd/cmd/internal/backpressure"
	"batchd/cmd/internal/buffer"
	"batchd/cmd/internal/debounce"
	"batchd/cmd/internal/dedupe"
	"batchd/cmd/internal/history"
	"batchd/cmd/internal/hooks"
	"batchd/cmd/internal/ids"
	"batchd/cmd/internal/ratelimit"
	"batchd/cmd/internal/retry"
)

// ReasonFlush is the drain reason of FLUSH_AND_ACCEPT, explicit Flush calls and
// shutdown.
const ReasonFlush = "flush"

// Option configures a Service.
type Option func(*Service) error

// WithNotifier sets the out-of-band channel for replies and notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Service) error {
		if n == nil {
			return errors.New("batching: nil notifier")
		}
		s.notifier = n
		return nil
	}
}

// WithHistory sets the conversation history store.
func WithHistory(st history.Store) Option {
	return func(s *Service) error {
		if st == nil {
			return errors.New("batching: nil history store")
		}
		s.history = st
		return nil
	}
}

// WithDedupe sets the processed-message store. A nil store disables
// deduplication.
func WithDedupe(st dedupe.Store) Option {
	return func(s *Service) error {
		s.dedupe = st
		return nil
	}
}

// WithHooks sets the pre and post processing hooks.
func WithHooks(pre, post []hooks.Hook) Option {
	return func(s *Service) error {
		s.pre = pre
		s.post = post
		return nil
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *Service) error {
		if o == nil {
			return errors.New("batching: nil observer")
		}
		s.obs = o
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return errors.New("batching: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithClock overrides time.Now for arrival stamps and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("batching: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithIDGenerator overrides the generator of message and batch ids.
func WithIDGenerator(gen func(time.Time) string) Option {
	return func(s *Service) error {
		if gen == nil {
			return errors.New("batching: nil id generator")
		}
		s.newID = gen
		return nil
	}
}

// Stats is a point-in-time view of the service.
type Stats struct {
	ActiveUsers     int `json:"active_users"`
	PendingMessages int `json:"pending_messages"`
	InFlight        int `json:"in_flight"`
	ArmedWindows    int `json:"armed_windows"`
}

type batch struct {
	userID string
	id     string
	items  []buffer.Item
	reason string
}

// lane orders the batches of one user. Dispatch happens under mu so batches
// enter the lane in drain order. admit serializes the user's admissions.
type lane struct {
	admit   sync.Mutex
	mu      sync.Mutex
	queue   []batch
	running bool
}

// Service is the per-user batching pipeline.
type Service struct {
	cfg  Config
	proc Processor

	log      *slog.Logger
	notifier Notifier
	history  history.Store
	dedupe   dedupe.Store
	obs      Observer
	pre      []hooks.Hook
	post     []hooks.Hook
	now      func() time.Time
	newID    func(time.Time) string

	buffers  *buffer.Registry
	limiters *ratelimit.Registry
	sched    *debounce.Scheduler
	pipeline *hooks.Pipeline

	lanes sync.Map // userID -> *lane

	ctx    context.Context
	cancel context.CancelFunc

	// admission is held shared by Receive, Flush and timer fires, and
	// exclusively by Shutdown while it drains.
	admission sync.RWMutex
	closing   atomic.Bool
	inFlight  atomic.Int64
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates cfg and constructs a running Service.
func New(cfg Config, proc Processor, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, fmt.Errorf("%w: nil processor", ErrInvalidConfig)
	}

	s := &Service{
		cfg:   cfg,
		proc:  proc,
		log:   slog.Default(),
		obs:   nopObserver{},
		now:   time.Now,
		newID: ids.New,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Log: s.log}
	}
	if s.history == nil {
		s.history = history.NewInMemoryStore()
	}

	sched, err := debounce.New(cfg.SilenceThreshold, cfg.AdaptiveTimeout, s.onFire, debounce.WithLogger(s.log))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.sched = sched
	s.buffers = buffer.NewRegistry(cfg.MaxBufferSize)
	s.limiters = ratelimit.NewRegistry(cfg.RateLimit)
	s.pipeline = hooks.NewPipeline(s.log, s.pre, s.post)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config { return s.cfg }

// Receive admits one inbound message. It returns once the message is buffered
// or refused; processing happens asynchronously.
func (s *Service) Receive(ctx context.Context, in Inbound) (Receipt, error) {
	if s.closing.Load() {
		s.obs.Rejected(RejectShuttingDown)
		return Receipt{}, ErrShuttingDown
	}

	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		s.obs.Rejected(RejectInvalid)
		return Receipt{}, fmt.Errorf("%w: missing user_id", ErrInvalidMessage)
	}

	s.admission.RLock()
	defer s.admission.RUnlock()
	if s.closing.Load() {
		s.obs.Rejected(RejectShuttingDown)
		return Receipt{}, ErrShuttingDown
	}

	l := s.laneFor(in.UserID)
	l.admit.Lock()
	defer l.admit.Unlock()

	now := s.now()
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = now
	}
	if in.MessageID == "" {
		in.MessageID = s.newID(now)
	}
	log := s.log.With("user_id", in.UserID, "message_id", in.MessageID)

	dup, claimed := s.claim(ctx, log, in.UserID, in.MessageID)
	if dup {
		log.DebugContext(ctx, "admission.duplicate")
		s.obs.Rejected(RejectDuplicate)
		return Receipt{}, ErrDuplicate
	}

	rcpt, err := s.admit(ctx, log, in, now)
	if err != nil {
		if claimed {
			s.release(ctx, log, in.UserID, in.MessageID)
		}
		return rcpt, err
	}

	if s.dedupe != nil && !claimed {
		if err := s.dedupe.MarkProcessed(ctx, in.UserID, in.MessageID); err != nil {
			log.WarnContext(ctx, "dedupe.mark.fail", "err", err)
		}
	}
	s.obs.Admitted()

	if err := s.sched.OnActivity(in.UserID); err != nil {
		// The message is buffered; drain it now rather than strand it.
		log.ErrorContext(ctx, "schedule.fail", "err", fmt.Errorf("%w: %v", ErrSchedulingFailed, err))
		s.drainAndDispatch(in.UserID, ReasonFlush)
	}
	return rcpt, nil
}

// claim checks msgID against the dedupe store. Stores implementing
// dedupe.Marker record the id in the same step and report claimed. Store
// errors admit the message.
func (s *Service) claim(ctx context.Context, log *slog.Logger, userID, msgID string) (dup, claimed bool) {
	if s.dedupe == nil {
		return false, false
	}
	if m, ok := s.dedupe.(dedupe.Marker); ok {
		fresh, err := m.MarkIfNew(ctx, userID, msgID)
		if err != nil {
			log.WarnContext(ctx, "dedupe.check.fail", "err", err)
			return false, false
		}
		return !fresh, fresh
	}
	seen, err := s.dedupe.HasProcessed(ctx, userID, msgID)
	if err != nil {
		log.WarnContext(ctx, "dedupe.check.fail", "err", err)
		return false, false
	}
	return seen, false
}

// release forgets a claimed id whose message was refused.
func (s *Service) release(ctx context.Context, log *slog.Logger, userID, msgID string) {
	m, ok := s.dedupe.(dedupe.Marker)
	if !ok {
		return
	}
	if err := m.Unmark(context.WithoutCancel(ctx), userID, msgID); err != nil {
		log.WarnContext(ctx, "dedupe.release.fail", "err", err)
	}
}

// admit runs the rate limiter and buffers the message, applying backpressure
// when the buffer is full.
func (s *Service) admit(ctx context.Context, log *slog.Logger, in Inbound, now time.Time) (Receipt, error) {
	if !s.limiters.TryAcquireAt(in.UserID, now) {
		log.WarnContext(ctx, "admission.reject", "reason", RejectRateLimited)
		s.obs.Rejected(RejectRateLimited)
		if text := s.cfg.RateLimitNotification; text != "" {
			s.notify(ctx, in.UserID, text)
		}
		return Receipt{}, ErrAdmissionRejected
	}

	item := buffer.Item{ID: in.MessageID, Content: in.Content, ArrivedAt: in.ReceivedAt}
	buf := s.buffers.GetOrCreate(in.UserID)

	if buf.Add(item) {
		return Receipt{MessageID: in.MessageID, Action: backpressure.Admit}, nil
	}
	return s.applyBackpressure(ctx, log, buf, item)
}

// applyBackpressure handles a message that did not fit. On success the item is
// in the buffer.
func (s *Service) applyBackpressure(ctx context.Context, log *slog.Logger, buf *buffer.Buffer, item buffer.Item) (Receipt, error) {
	strategy := s.cfg.Backpressure
	action := backpressure.Resolve(strategy, backpressure.BufferState{Size: buf.Size(), Capacity: buf.Capacity()})
	rcpt := Receipt{MessageID: item.ID, Action: action}
	s.obs.Backpressure(strategy.String(), action.String())

	reject := func(notified, timedOut bool) (Receipt, error) {
		log.WarnContext(ctx, "backpressure.apply",
			"strategy", strategy.String(),
			"action", action.String(),
			"notified", notified,
			"timed_out", timedOut,
		)
		s.obs.Rejected(RejectBufferFull)
		return rcpt, &BufferFullError{UserID: buf.UserID(), Strategy: strategy, Notified: notified, TimedOut: timedOut}
	}

	switch action {
	case backpressure.Admit:
		// Room appeared between Add and Resolve.
		if buf.Add(item) {
			return rcpt, nil
		}
		return reject(false, false)

	case backpressure.Reject:
		return reject(false, false)

	case backpressure.RejectAndNotify:
		s.notify(ctx, buf.UserID(), s.cfg.rejectNotification())
		return reject(true, false)

	case backpressure.EvictOldest:
		evicted, ok := buf.EvictAndAdd(item)
		if ok {
			rcpt.EvictedID = evicted.ID
		}
		log.InfoContext(ctx, "backpressure.apply",
			"strategy", strategy.String(),
			"action", action.String(),
			"evicted_id", rcpt.EvictedID,
		)
		return rcpt, nil

	case backpressure.WaitForSpace:
		if buf.AddWait(ctx, item, s.cfg.BlockTimeout) {
			return rcpt, nil
		}
		return reject(false, true)

	case backpressure.FlushThenAdmit:
		s.sched.Cancel(buf.UserID())
		if b, ok := s.swapAndDispatch(buf, item); ok {
			rcpt.FlushedBatch = b
		}
		log.InfoContext(ctx, "backpressure.apply",
			"strategy", strategy.String(),
			"action", action.String(),
			"flushed_batch", rcpt.FlushedBatch,
		)
		return rcpt, nil
	}

	return reject(false, false)
}

// Flush drains userID's buffer immediately. It reports the dispatched batch id,
// or false when there was nothing pending.
func (s *Service) Flush(userID string) (string, bool) {
	s.admission.RLock()
	defer s.admission.RUnlock()
	if s.closing.Load() {
		return "", false
	}
	s.sched.Cancel(userID)
	return s.drainAndDispatch(userID, ReasonFlush)
}

// onFire drains on a timer. Once closing, Shutdown owns the final drain.
func (s *Service) onFire(userID string, reason debounce.Reason) {
	s.admission.RLock()
	defer s.admission.RUnlock()
	if s.closing.Load() {
		return
	}
	s.drainAndDispatch(userID, reason.String())
}

func (s *Service) laneFor(userID string) *lane {
	if v, ok := s.lanes.Load(userID); ok {
		return v.(*lane)
	}
	v, _ := s.lanes.LoadOrStore(userID, &lane{})
	return v.(*lane)
}

func (s *Service) drainAndDispatch(userID, reason string) (string, bool) {
	buf, ok := s.buffers.Get(userID)
	if !ok {
		return "", false
	}
	l := s.laneFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()

	items := buf.Drain()
	if len(items) == 0 {
		return "", false
	}
	b := batch{userID: userID, id: s.newID(s.now()), items: items, reason: reason}
	s.enqueueLocked(l, b)
	return b.id, true
}

func (s *Service) swapAndDispatch(buf *buffer.Buffer, item buffer.Item) (string, bool) {
	l := s.laneFor(buf.UserID())
	l.mu.Lock()
	defer l.mu.Unlock()

	items := buf.SwapDrain(item)
	if len(items) == 0 {
		return "", false
	}
	b := batch{userID: buf.UserID(), id: s.newID(s.now()), items: items, reason: ReasonFlush}
	s.enqueueLocked(l, b)
	return b.id, true
}

// enqueueLocked hands b to the lane. l.mu must be held.
func (s *Service) enqueueLocked(l *lane, b batch) {
	s.log.Info("batch.dispatch",
		"user_id", b.userID,
		"batch_id", b.id,
		"size", len(b.items),
		"reason", b.reason,
	)
	s.inFlight.Add(1)

	if !s.cfg.SingleFlight {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.inFlight.Add(-1)
			s.process(b)
		}()
		return
	}

	l.queue = append(l.queue, b)
	if l.running {
		return
	}
	l.running = true
	s.wg.Add(1)
	go s.runLane(l)
}

func (s *Service) runLane(l *lane) {
	defer s.wg.Done()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		b := l.queue[0]
		l.queue[0] = batch{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		s.process(b)
		s.inFlight.Add(-1)
	}
}

// process runs one batch through hooks, the processor and the retry policy.
func (s *Service) process(b batch) {
	ctx := s.ctx
	start := s.now()
	log := s.log.With("user_id", b.userID, "batch_id", b.id)
	strat := s.cfg.ErrorHandling

	past, err := s.history.GetHistory(ctx, b.userID, s.cfg.HistoryMaxMessages, s.cfg.HistoryMaxAge)
	if err != nil {
		log.WarnContext(ctx, "history.read.fail", "err", err)
		past = nil
	}

	bc := hooks.NewBatchContext(b.userID, b.id, b.items, start)
	bc.Put(hooks.MetaDrainReason, b.reason)

	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			bc = hooks.ForRetry(bc, attempt)
		}
		attempts++

		reply, err := s.attempt(ctx, bc, past)
		if err == nil {
			s.succeed(ctx, log, bc, reply)
			s.obs.BatchFinished(OutcomeProcessed, len(b.items), s.now().Sub(start))
			return
		}

		if ie, ok := hooks.AsInterrupted(err); ok {
			log.WarnContext(ctx, "batch.interrupted", "reason", ie.Reason, "code", ie.Code)
			s.obs.BatchFinished(OutcomeInterrupted, len(b.items), s.now().Sub(start))
			return
		}
		if ctx.Err() != nil {
			log.WarnContext(ctx, "batch.dropped", "attempts", attempts, "err", err)
			s.obs.BatchFinished(OutcomeDropped, len(b.items), s.now().Sub(start))
			return
		}

		lastErr = err
		if !strat.ShouldRetry(attempt, err) {
			break
		}

		delay := strat.CalculateDelay(attempt + 1)
		log.WarnContext(ctx, "batch.retry",
			"attempt", attempt+1,
			"max_retries", strat.MaxRetries,
			"delay", delay.String(),
			"err", err,
		)
		s.obs.Retried()
		if err := retry.Sleep(ctx, delay); err != nil {
			log.WarnContext(ctx, "batch.dropped", "attempts", attempts, "err", err)
			s.obs.BatchFinished(OutcomeDropped, len(b.items), s.now().Sub(start))
			return
		}
	}

	outcome := s.exhausted(ctx, log, b, attempts, lastErr)
	s.obs.BatchFinished(outcome, len(b.items), s.now().Sub(start))
}

// attempt runs pre hooks and one processor call.
func (s *Service) attempt(ctx context.Context, bc *hooks.BatchContext, past []history.Entry) (reply Reply, err error) {
	if err := s.pipeline.RunPre(ctx, bc); err != nil {
		return Reply{}, err
	}

	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batching: processor panic: %v", r)
		}
	}()
	return s.proc.Process(ctx, Request{
		UserID:  bc.UserID,
		BatchID: bc.BatchID,
		Items:   bc.Items,
		History: past,
		Batch:   bc,
	})
}

func (s *Service) succeed(ctx context.Context, log *slog.Logger, bc *hooks.BatchContext, reply Reply) {
	entries := make([]history.Entry, 0, len(bc.Items)+1)
	for _, it := range bc.Items {
		entries = append(entries, history.Entry{Role: history.RoleUser, Content: it.Content, Timestamp: it.ArrivedAt})
	}
	if reply.Content != "" {
		entries = append(entries, history.Entry{Role: history.RoleAssistant, Content: reply.Content, Timestamp: s.now()})
	}
	if err := s.history.AddMessages(ctx, bc.UserID, entries); err != nil {
		log.WarnContext(ctx, "history.write.fail", "err", err)
	}

	bc.Put(hooks.MetaReply, reply.Content)
	_ = s.pipeline.RunPost(ctx, bc)

	if reply.Content != "" {
		s.notify(ctx, bc.UserID, reply.Content)
	}
	log.InfoContext(ctx, "batch.process.ok", "size", bc.BatchSize(), "retries", bc.RetryCount)
}

// exhausted routes a failed batch to the dead-letter handler and notifies the
// user. It returns the final outcome.
func (s *Service) exhausted(ctx context.Context, log *slog.Logger, b batch, attempts int, cause error) string {
	strat := s.cfg.ErrorHandling
	outcome := OutcomeFailed

	if strat.HasDeadLetter() {
		err := strat.DeadLetter(ctx, retry.Failure{
			UserID:   b.userID,
			BatchID:  b.id,
			Items:    b.items,
			Attempts: attempts,
			Err:      cause,
			FailedAt: s.now(),
		})
		if err != nil {
			log.ErrorContext(ctx, "batch.deadletter.fail", "err", err)
		} else {
			log.WarnContext(ctx, "batch.deadletter", "attempts", attempts, "err", cause)
			outcome = OutcomeDeadLettered
		}
	}
	if outcome == OutcomeFailed {
		log.ErrorContext(ctx, "batch.fail", "err", &ProcessingFailedError{
			UserID:   b.userID,
			BatchID:  b.id,
			Attempts: attempts,
			Err:      cause,
		})
	}

	if strat.NotifyUser {
		s.notify(ctx, b.userID, strat.Notification())
	}
	return outcome
}

func (s *Service) notify(ctx context.Context, userID, text string) {
	if err := s.notifier.Notify(ctx, userID, text); err != nil {
		s.log.WarnContext(ctx, "notify.fail", "user_id", userID, "err", err)
	}
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	bs := s.buffers.Stats()
	return Stats{
		ActiveUsers:     bs.ActiveUsers,
		PendingMessages: bs.PendingMessages,
		InFlight:        int(s.inFlight.Load()),
		ArmedWindows:    s.sched.Active(),
	}
}

// Shutdown stops admission, flushes every pending buffer and waits for
// in-flight batches until ctx is done. Remaining retries are cancelled.
//
// Admissions already past the closing check finish before the final drain, so
// every message Receive accepted is dispatched. No batch is dispatched after
// the drain.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.closing.Store(true)

		s.admission.Lock()
		s.sched.Stop()
		s.buffers.Range(func(userID string, _ *buffer.Buffer) bool {
			s.drainAndDispatch(userID, ReasonFlush)
			return true
		})
		s.admission.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.cancel()
		s.log.Info("batching.stop", "err", err)
	})
	return err
}
