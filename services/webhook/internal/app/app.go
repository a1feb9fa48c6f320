package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"talkrelay/internal/util"
	"talkrelay/pkg/archive"
	"talkrelay/pkg/domain"
	"talkrelay/pkg/profile"
	"talkrelay/pkg/queue"
	"talkrelay/pkg/store"
	"talkrelay/pkg/webhook"
)

// maxConcurrentEvents bounds the per-delivery fan-out; one webhook delivery
// may batch many events.
const maxConcurrentEvents = 4

// ProfileFetcher resolves public profiles for external auth ids.
type ProfileFetcher interface {
	Fetch(ctx context.Context, externalAuthID string) (profile.Profile, error)
}

// Config holds runtime configuration for the ingestion pipeline.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	ProfileAPIBaseURL string
	ProfileAPIToken   string

	QueueName              string
	QueueGroup             string
	QueueConcurrency       int
	QueueMaxRetries        int
	QueueRetryDelaySeconds int

	// Pre-built collaborators override construction from the settings above.
	Identity      store.IdentityStore
	Outbox        store.OutboxStore
	Conversations store.ConversationStore
	Timeline      store.TimelineStore
	Profiles      ProfileFetcher
	Archive       archive.Archiver
}

// App is the ingestion pipeline: it resolves the user and talk room for each
// inbound event and records the event plus summary update. Deliveries are
// processed asynchronously off the delivery queue; every step is idempotent
// or last-writer-wins, so re-running a partially processed delivery is safe.
type App struct {
	identity      store.IdentityStore
	outbox        store.OutboxStore
	conversations store.ConversationStore
	timeline      store.TimelineStore
	profiles      ProfileFetcher
	archive       archive.Archiver
	queue         *queue.DeliveryQueue
	concurrency   int
}

// New constructs the pipeline, building store adapters for any collaborator
// not supplied.
func New(cfg Config) (*App, error) {
	identity := cfg.Identity
	outbox := cfg.Outbox
	if identity == nil || outbox == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if identity == nil {
			identity = gormStore
		}
		if outbox == nil {
			outbox = gormStore
		}
	}

	conversations := cfg.Conversations
	timeline := cfg.Timeline
	if conversations == nil || timeline == nil {
		talkStore, err := store.NewRedisTalkStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("init talk store: %w", err)
		}
		if conversations == nil {
			conversations = talkStore
		}
		if timeline == nil {
			timeline = talkStore
		}
	}

	profiles := cfg.Profiles
	if profiles == nil {
		if cfg.ProfileAPIBaseURL == "" {
			return nil, fmt.Errorf("profile API base URL required")
		}
		profiles = profile.NewClient(cfg.ProfileAPIBaseURL, cfg.ProfileAPIToken)
	}

	deliveryArchive := cfg.Archive
	if deliveryArchive == nil {
		deliveryArchive = archive.NopArchive{}
	}

	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "talkrelay:deliveries"
	}
	q, err := queue.NewDeliveryQueue(queue.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     queueName,
		Group:      cfg.QueueGroup,
		Consumer:   util.NewID(),
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init delivery queue: %w", err)
	}

	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	return &App{
		identity:      identity,
		outbox:        outbox,
		conversations: conversations,
		timeline:      timeline,
		profiles:      profiles,
		archive:       deliveryArchive,
		queue:         q,
		concurrency:   concurrency,
	}, nil
}

// Start launches the delivery consumers. They keep running until ctx (the
// process context) ends; an individual webhook request disconnecting never
// cancels processing.
func (a *App) Start(ctx context.Context) {
	a.queue.Start(ctx, a.concurrency, a.handleDelivery)
}

// EnqueueDelivery accepts a verified, structurally valid delivery body for
// asynchronous processing. The raw body is archived best-effort.
func (a *App) EnqueueDelivery(ctx context.Context, body []byte) (queue.DeliveryJob, error) {
	job, err := a.queue.Enqueue(ctx, body)
	if err != nil {
		return queue.DeliveryJob{}, err
	}
	if err := a.archive.PutDelivery(ctx, job.ID, body); err != nil {
		util.LoggerFromContext(ctx).Warn("archive delivery failed", "delivery_id", job.ID, "err", err)
	}
	return job, nil
}

func (a *App) handleDelivery(ctx context.Context, job queue.DeliveryJob) error {
	events, err := webhook.DecodeEnvelope([]byte(job.Payload))
	if err != nil {
		// The envelope was validated before the 200 ack; a malformed queue
		// payload cannot succeed on retry, so drop it.
		slog.Error("queued delivery envelope malformed", "delivery_id", job.ID, "err", err)
		return nil
	}
	return a.ProcessDelivery(ctx, events)
}

// ProcessDelivery runs the pipeline for each event of one delivery. Events
// are independent: a failing event does not abort its siblings, it only marks
// the delivery for retry.
func (a *App) ProcessDelivery(ctx context.Context, events []domain.InboundEvent) error {
	var g errgroup.Group
	g.SetLimit(maxConcurrentEvents)
	for _, ev := range events {
		g.Go(func() error {
			if err := a.processEvent(ctx, ev); err != nil {
				slog.Warn("process event failed",
					"event_id", ev.ID,
					"kind", ev.Kind,
					"err", err,
				)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) processEvent(ctx context.Context, ev domain.InboundEvent) error {
	if ev.ExternalAuthID == "" {
		// Group and room sources carry no user id; nothing to resolve.
		slog.Debug("skipping event without user source", "event_id", ev.ID, "kind", ev.Kind)
		return nil
	}
	user, err := a.resolveUser(ctx, ev)
	if err != nil {
		return err
	}
	room, err := a.resolveTalkRoom(ctx, user, ev)
	if err != nil {
		return err
	}
	return a.recordEvent(ctx, room, ev)
}

// resolveUser get-or-creates the internal user for the event's external auth
// id. The profile API is only hit on first contact; concurrent duplicate
// deliveries converge on one row via the store's uniqueness constraint.
func (a *App) resolveUser(ctx context.Context, ev domain.InboundEvent) (domain.User, error) {
	user, found, err := a.identity.GetUserByAuthID(ctx, ev.ExternalAuthID)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: lookup %s: %v", ErrIdentityStore, ev.ExternalAuthID, err)
	}
	if found {
		return user, nil
	}

	p, err := a.profiles.Fetch(ctx, ev.ExternalAuthID)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %s: %v", ErrProfileFetch, ev.ExternalAuthID, err)
	}
	now := time.Now().UTC()
	user, err = a.identity.CreateUser(ctx, domain.User{
		ID:             uuid.NewString(),
		ExternalAuthID: ev.ExternalAuthID,
		DisplayName:    p.DisplayName,
		PictureURL:     p.PictureURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: create %s: %v", ErrIdentityStore, ev.ExternalAuthID, err)
	}
	return user, nil
}

// resolveTalkRoom get-or-creates the user's talk room. The room id is derived
// from the owner id, so racing first-contact creators converge on one room.
func (a *App) resolveTalkRoom(ctx context.Context, user domain.User, ev domain.InboundEvent) (domain.TalkRoom, error) {
	roomID := domain.TalkRoomIDFor(user.ID)
	room, found, err := a.conversations.GetTalkRoom(ctx, roomID)
	if err != nil {
		return domain.TalkRoom{}, fmt.Errorf("%w: lookup room %s: %v", ErrTalkStore, roomID, err)
	}
	if found {
		return room, nil
	}

	now := time.Now().UTC()
	room, _, err = a.conversations.CreateTalkRoom(ctx, domain.TalkRoom{
		ID:          roomID,
		OwnerUserID: user.ID,
		DisplayName: user.DisplayName,
		RSVP:        false,
		Pinned:      false,
		Following:   ev.Kind == domain.KindFollow,
		LatestMessageSummary: domain.MessageSummary{
			Kind: ev.Kind,
			Text: "",
		},
		LatestMessagedAt: ev.Timestamp,
		SortTime:         ev.Timestamp,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return domain.TalkRoom{}, fmt.Errorf("%w: create room %s: %v", ErrTalkStore, roomID, err)
	}
	return room, nil
}

// recordEvent appends the event to the timeline, then refreshes the summary
// card. The timeline write is the source of truth: when the summary update
// fails afterwards the event stays recorded and the delivery is retried.
func (a *App) recordEvent(ctx context.Context, room domain.TalkRoom, ev domain.InboundEvent) error {
	event := domain.Event{
		ID:         ev.ID,
		TalkRoomID: room.ID,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		CreatedAt:  ev.Timestamp,
	}
	if err := a.timeline.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("%w: append event %s: %v", ErrTalkStore, event.ID, err)
	}
	if err := a.conversations.UpdateSummary(ctx, room.ID, event.Summary(), event.CreatedAt); err != nil {
		return fmt.Errorf("%w: event %s: %v", ErrSummaryStale, event.ID, err)
	}

	switch event.Kind {
	case domain.KindFollow, domain.KindUnfollow:
		if err := a.conversations.SetFollowing(ctx, room.ID, event.Kind == domain.KindFollow); err != nil {
			return fmt.Errorf("%w: set following on %s: %v", ErrTalkStore, room.ID, err)
		}
	}

	if event.Kind == domain.KindFollow {
		if err := a.appendFollowNotification(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// appendFollowNotification feeds the recorded follow event to the downstream
// welcome-message sender via the relational outbox.
func (a *App) appendFollowNotification(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode follow event %s: %w", event.ID, err)
	}
	if err := a.outbox.AppendOutbox(ctx, store.OutboxRecord{
		EventID:    event.ID,
		TalkRoomID: event.TalkRoomID,
		Kind:       string(event.Kind),
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: outbox append %s: %v", ErrIdentityStore, event.ID, err)
	}
	return nil
}

// Reconcile rebuilds a talk room's summary card from its timeline head. It
// heals a stale card left by a summary update that failed after the event
// append.
func (a *App) Reconcile(ctx context.Context, roomID string) error {
	latest, found, err := a.timeline.LatestEvent(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: latest event for %s: %v", ErrTalkStore, roomID, err)
	}
	if !found {
		return nil
	}
	if err := a.conversations.UpdateSummary(ctx, roomID, latest.Summary(), latest.CreatedAt); err != nil {
		return fmt.Errorf("%w: reconcile %s: %v", ErrTalkStore, roomID, err)
	}
	return nil
}

// ListTalkRooms returns summary cards for the ops API, newest activity first.
func (a *App) ListTalkRooms(ctx context.Context, limit int) ([]domain.TalkRoom, error) {
	return a.conversations.ListTalkRooms(ctx, limit)
}

// ListEvents returns one talk room's timeline, oldest first.
func (a *App) ListEvents(ctx context.Context, roomID string, limit int) ([]domain.Event, error) {
	return a.timeline.ListEvents(ctx, roomID, limit)
}
