// Package pipeline shows a submitted message immediately as a provisional
// cache entry and reconciles it once the backend answers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"inboxsync/internal/cache"
	"inboxsync/internal/clock"
	"inboxsync/internal/models"
)

var (
	// ErrNotFound means no pending operation has the given provisional id.
	ErrNotFound = errors.New("pending operation not found")
	// ErrNotRetryable means the operation is still in flight.
	ErrNotRetryable = errors.New("message is not in failed state")
	// ErrEmptyMessage rejects a submission with neither text nor attachments.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline closed")
)

// SendRequest is one network attempt for a provisional message.
type SendRequest struct {
	ConversationID int64
	// ProvisionalID doubles as the backend idempotency key.
	ProvisionalID string
	Content       *string
	Attachments   []models.Attachment
	Attempt       int
}

// Sender delivers a message to the backend. A (nil, nil) result means the
// request was accepted and the confirmation arrives later through
// Acknowledge.
type Sender interface {
	SendMessage(ctx context.Context, req SendRequest) (*models.Message, error)
}

// Uploader stores attachment bytes and returns the attachment with its URL.
type Uploader interface {
	Upload(ctx context.Context, key string, att models.Attachment) (models.Attachment, error)
}

// Outbox persists failed messages across restarts.
type Outbox interface {
	Save(ctx context.Context, msg models.Message) error
	Delete(ctx context.Context, clientMessageID string) error
	List(ctx context.Context) ([]models.Message, error)
}

// Submission is what the user typed.
type Submission struct {
	ConversationID int64
	Content        string
	Attachments    []models.Attachment
	SenderID       string
	FromCustomer   bool
}

// OpState is the state of a pending operation.
type OpState string

const (
	OpInFlight OpState = "in_flight"
	OpFailed   OpState = "failed"
)

// Operation is a snapshot of a pending operation.
type Operation struct {
	ProvisionalID  models.MessageID `json:"provisionalId"`
	ConversationID int64            `json:"conversationId"`
	Attempt        int              `json:"attempt"`
	State          OpState          `json:"state"`
	SubmittedAt    time.Time        `json:"submittedAt"`
	LastError      string           `json:"lastError,omitempty"`
}

// Options configure a Pipeline.
type Options struct {
	Store    *cache.Store
	Sender   Sender
	Uploader Uploader // optional; attachments with data fail without it
	Outbox   Outbox   // optional
	Clock    clock.Clock
	// Timeout fails an entry that got no answer in time.
	Timeout time.Duration
	// ResolvedTTL is how long a provisional to final mapping is remembered.
	ResolvedTTL time.Duration
	NewID       func() string
}

type operation struct {
	Operation
	msg   models.Message
	timer clock.Timer
}

// Pipeline is the registry of pending operations keyed by provisional id.
type Pipeline struct {
	store    *cache.Store
	sender   Sender
	uploader Uploader
	outbox   Outbox
	clock    clock.Clock
	timeout  time.Duration
	newID    func() string

	mu       sync.Mutex
	ops      map[string]*operation
	resolved *gocache.Cache
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline store cannot be nil")
	}
	if opts.Sender == nil {
		return nil, errors.New("pipeline sender cannot be nil")
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("pipeline timeout must be positive, got %s", opts.Timeout)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ResolvedTTL <= 0 {
		opts.ResolvedTTL = 5 * time.Minute
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:    opts.Store,
		sender:   opts.Sender,
		uploader: opts.Uploader,
		outbox:   opts.Outbox,
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		newID:    opts.NewID,
		ops:      make(map[string]*operation),
		resolved: gocache.New(opts.ResolvedTTL, 0),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Submit inserts a provisional entry with status sending and starts the
// send in the background. The entry is in the cache when Submit returns.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (models.MessageID, error) {
	if sub.ConversationID <= 0 {
		return models.MessageID{}, fmt.Errorf("invalid conversation id %d", sub.ConversationID)
	}
	if strings.TrimSpace(sub.Content) == "" && len(sub.Attachments) == 0 {
		return models.MessageID{}, ErrEmptyMessage
	}

	token := p.newID()
	id := models.ProvisionalID(token)
	msg := models.Message{
		ID:              id,
		ConversationID:  sub.ConversationID,
		ClientMessageID: token,
		Attachments:     sub.Attachments,
		SenderID:        sub.SenderID,
		FromCustomer:    sub.FromCustomer,
		Status:          models.StatusSending,
		CreatedAt:       p.clock.Now(),
	}
	if sub.Content != "" {
		msg.Content = models.String(sub.Content)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return models.MessageID{}, ErrClosed
	}
	op := &operation{
		Operation: Operation{
			ProvisionalID:  id,
			ConversationID: sub.ConversationID,
			Attempt:        1,
			State:          OpInFlight,
			SubmittedAt:    msg.CreatedAt,
		},
		msg: msg,
	}
	p.ops[token] = op
	p.mu.Unlock()

	p.store.UpsertMessage(msg)
	p.arm(token, 1)

	log.Info().
		Str("provisionalID", token).
		Int64("conversationID", sub.ConversationID).
		Int("attachments", len(sub.Attachments)).
		Msg("Message submitted")

	p.start(token, 1, msg)
	return id, nil
}

// arm starts the timeout of an attempt whose cache entry is already in place.
// The timer may fire before arm returns.
func (p *Pipeline) arm(token string, attempt int) {
	timer := p.clock.AfterFunc(p.timeout, func() { p.expire(token, attempt) })
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[token]
	if !ok || p.closed || op.Attempt != attempt || op.State != OpInFlight {
		timer.Stop()
		return
	}
	op.timer = timer
}

func (p *Pipeline) start(token string, attempt int, msg models.Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		final, err := p.send(p.ctx, token, attempt, msg)
		p.complete(token, attempt, final, err)
	}()
}

func (p *Pipeline) send(ctx context.Context, token string, attempt int, msg models.Message) (*models.Message, error) {
	atts := make([]models.Attachment, len(msg.Attachments))
	for i, att := range msg.Attachments {
		if !att.Pending() {
			atts[i] = att
			continue
		}
		if p.uploader == nil {
			return nil, fmt.Errorf("attachment %q cannot be uploaded: no storage configured", att.Name)
		}
		key := fmt.Sprintf("conversations/%d/%s/%d-%s", msg.ConversationID, token, i, att.Name)
		uploaded, err := p.uploader.Upload(ctx, key, att)
		if err != nil {
			return nil, fmt.Errorf("upload attachment %q: %w", att.Name, err)
		}
		uploaded.Data = nil
		atts[i] = uploaded
	}
	if len(atts) == 0 {
		atts = nil
	}
	return p.sender.SendMessage(ctx, SendRequest{
		ConversationID: msg.ConversationID,
		ProvisionalID:  token,
		Content:        msg.Content,
		Attachments:    atts,
		Attempt:        attempt,
	})
}

// complete applies the result of one send attempt.
func (p *Pipeline) complete(token string, attempt int, final *models.Message, err error) {
	if err == nil && final == nil {
		// Accepted; Acknowledge or the timeout resolves it.
		return
	}

	p.mu.Lock()
	op, ok := p.ops[token]
	if !ok {
		p.mu.Unlock()
		if err == nil {
			// Already resolved by a pushed event. Merge by final id.
			p.store.UpsertMessage(*final)
		}
		return
	}

	if err != nil {
		if attempt != op.Attempt || op.State == OpFailed {
			p.mu.Unlock()
			log.Debug().Err(err).Str("provisionalID", token).Int("attempt", attempt).Msg("Ignoring failure of a superseded attempt")
			return
		}
		op.State = OpFailed
		op.LastError = err.Error()
		stopTimer(op)
		msg := op.msg
		p.mu.Unlock()

		log.Error().Err(err).Str("provisionalID", token).Int64("conversationID", msg.ConversationID).Int("attempt", attempt).Msg("Message send failed")
		p.fail(msg)
		return
	}

	late := op.State == OpFailed
	p.resolveLocked(token, op)
	p.mu.Unlock()

	if late {
		log.Warn().Str("provisionalID", token).Str("messageID", final.ID.String()).Int("attempt", attempt).Msg("Late success after failure, reconciling")
	}
	p.reconcile(op.ProvisionalID, op.ConversationID, *final)
}

// resolveLocked removes op from the registry and remembers its final id.
func (p *Pipeline) resolveLocked(token string, op *operation) {
	stopTimer(op)
	delete(p.ops, token)
	p.resolved.DeleteExpired()
	p.resolved.Set(token, op.ConversationID, gocache.DefaultExpiration)
}

func (p *Pipeline) reconcile(provisional models.MessageID, conversationID int64, final models.Message) {
	if final.ConversationID == 0 {
		final.ConversationID = conversationID
	}
	outcome := p.store.ReconcileMessage(provisional, final)
	log.Info().
		Str("provisionalID", provisional.Provisional).
		Str("messageID", final.ID.String()).
		Str("outcome", outcome.String()).
		Msg("Message reconciled")
	if p.outbox != nil {
		if err := p.outbox.Delete(context.Background(), provisional.Provisional); err != nil {
			log.Error().Err(err).Str("provisionalID", provisional.Provisional).Msg("Failed to remove message from outbox")
		}
	}
}

// fail marks the cache entry failed and persists it for a later retry.
func (p *Pipeline) fail(msg models.Message) {
	p.store.MarkMessageFailed(msg.ConversationID, msg.ID)
	if p.outbox == nil {
		return
	}
	msg.Status = models.StatusFailed
	if err := p.outbox.Save(context.Background(), msg); err != nil {
		log.Error().Err(err).Str("provisionalID", msg.ID.Provisional).Msg("Failed to persist failed message")
	}
}

// expire is the timeout callback of one attempt.
func (p *Pipeline) expire(token string, attempt int) {
	p.mu.Lock()
	op, ok := p.ops[token]
	if !ok || op.Attempt != attempt || op.State != OpInFlight {
		p.mu.Unlock()
		return
	}
	op.State = OpFailed
	op.LastError = fmt.Sprintf("no acknowledgement within %s", p.timeout)
	op.timer = nil
	msg := op.msg
	p.mu.Unlock()

	log.Warn().Str("provisionalID", token).Int("attempt", attempt).Dur("timeout", p.timeout).Msg("Message send timed out")
	p.fail(msg)
}

// Acknowledge resolves a pending operation from a pushed message that
// echoes its provisional id. It reports whether msg was consumed; when it
// was not, the caller upserts msg as a regular message.
func (p *Pipeline) Acknowledge(msg models.Message) bool {
	token := msg.ClientMessageID
	if token == "" || msg.ID.IsProvisional() || msg.ID.IsZero() {
		return false
	}
	p.mu.Lock()
	op, ok := p.ops[token]
	if !ok {
		p.mu.Unlock()
		if _, seen := p.resolved.Get(token); seen {
			log.Debug().Str("provisionalID", token).Str("messageID", msg.ID.String()).Msg("Acknowledgement for an already resolved message")
		}
		return false
	}
	late := op.State == OpFailed
	p.resolveLocked(token, op)
	p.mu.Unlock()

	if late {
		log.Warn().Str("provisionalID", token).Str("messageID", msg.ID.String()).Msg("Late acknowledgement after failure, reconciling")
	}
	p.reconcile(op.ProvisionalID, op.ConversationID, msg)
	return true
}

// Resolved reports whether the provisional token was reconciled recently.
func (p *Pipeline) Resolved(token string) bool {
	_, ok := p.resolved.Get(token)
	return ok
}

// Retry re-sends a failed message under the same provisional id.
func (p *Pipeline) Retry(ctx context.Context, id models.MessageID) error {
	if !id.IsProvisional() {
		return fmt.Errorf("%w: %s is not a provisional id", ErrNotFound, id)
	}
	token := id.Provisional
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	op, ok := p.ops[token]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	if op.State != OpFailed {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, token, op.State)
	}
	op.Attempt++
	op.State = OpInFlight
	op.LastError = ""
	attempt, msg := op.Attempt, op.msg
	p.mu.Unlock()

	p.store.MarkMessageSending(msg.ConversationID, msg.ID)
	p.arm(token, attempt)
	log.Info().Str("provisionalID", token).Int("attempt", attempt).Msg("Retrying message")
	p.start(token, attempt, msg)
	return nil
}

// Restore loads failed messages from the outbox back into the cache and
// the registry, so they can be retried after a restart.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	if p.outbox == nil {
		return 0, nil
	}
	msgs, err := p.outbox.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	restored := 0
	for _, msg := range msgs {
		if !msg.ID.IsProvisional() {
			continue
		}
		msg.Status = models.StatusFailed
		token := msg.ID.Provisional
		p.mu.Lock()
		if _, exists := p.ops[token]; exists || p.closed {
			p.mu.Unlock()
			continue
		}
		p.ops[token] = &operation{
			Operation: Operation{
				ProvisionalID:  msg.ID,
				ConversationID: msg.ConversationID,
				Attempt:        1,
				State:          OpFailed,
				SubmittedAt:    msg.CreatedAt,
				LastError:      "restored from outbox",
			},
			msg: msg,
		}
		p.mu.Unlock()
		p.store.UpsertMessage(msg)
		restored++
	}
	if restored > 0 {
		log.Info().Int("count", restored).Msg("Restored failed messages from outbox")
	}
	return restored, nil
}

// Pending lists registered operations, oldest first.
func (p *Pipeline) Pending() []Operation {
	p.mu.Lock()
	out := make([]Operation, 0, len(p.ops))
	for _, op := range p.ops {
		out = append(out, op.Operation)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ProvisionalID.Provisional < out[j].ProvisionalID.Provisional
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Lookup returns the operation for a provisional id.
func (p *Pipeline) Lookup(id models.MessageID) (Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[id.Provisional]
	if !ok {
		return Operation{}, false
	}
	return op.Operation, true
}

// Close stops every timer, cancels in-flight sends and waits for them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, op := range p.ops {
		stopTimer(op)
	}
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func stopTimer(op *operation) {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
}
