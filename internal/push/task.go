// Package push implements the PushDispatch scheduler task (spec §4.E
// step 11, §4.K): fanning an action notification out to every Web Push
// subscription a user registered, pruning subscriptions the browser has
// revoked (grounded on the teacher's notifications.Service.SendToUser,
// itself a thin wrapper over SherClockHolmes/webpush-go).
package push

import (
	"context"
	"encoding/json"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/scheduler"
)

// Kind is the registered scheduler.TaskType.Kind for this task.
const Kind = "core.push_dispatch"

// Subscription is one browser Web Push registration.
type Subscription struct {
	ID       string
	Endpoint string
	P256dh   string
	Auth     string
}

// Payload is the JSON body delivered to the browser's push event handler
// (spec §4.K "push payload").
type Payload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	ActionID string `json:"actionId,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// Store is the narrow persistence interface this task needs.
type Store interface {
	ListSubscriptions(ctx context.Context, tnID, idTag string) ([]Subscription, error)
	TouchSubscription(ctx context.Context, id string) error
	DeleteSubscription(ctx context.Context, id string) error
}

// VAPIDConfig carries the server's VAPID identity (spec §6
// "vapid_keys").
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Contact    string // mailto: contact used as the VAPID subscriber claim
}

// taskCtx is the serialized task context.
type taskCtx struct {
	TnID    string  `json:"tnId"`
	IDTag   string  `json:"idTag"`
	Payload Payload `json:"payload"`
}

// TaskType builds PushDispatch tasks. It holds the Store and VAPID
// identity the pipeline needs, following the action.DeliveryTaskType
// convention of closing over dependencies.
type TaskType struct {
	Store Store
	VAPID VAPIDConfig
}

func (TaskType) Kind() string { return Kind }

func (t TaskType) Build(taskID, serializedCtx string) (scheduler.Task, error) {
	var tc taskCtx
	if err := json.Unmarshal([]byte(serializedCtx), &tc); err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "decoding push dispatch task context", err)
	}
	return &task{store: t.Store, vapid: t.VAPID, ctx: tc}, nil
}

type task struct {
	store Store
	vapid VAPIDConfig
	ctx   taskCtx
}

func (t *task) Serialize() (string, error) {
	b, err := json.Marshal(t.ctx)
	return string(b), err
}

// Run delivers the payload to every subscription registered for the
// target user, pruning subscriptions the push service reports as gone
// and touching the rest's last-used timestamp (spec §4.K, mirroring the
// teacher's stale-subscription cleanup on 410/404).
func (t *task) Run(ctx context.Context, _ any) error {
	subs, err := t.store.ListSubscriptions(ctx, t.ctx.TnID, t.ctx.IDTag)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "listing push subscriptions", err)
	}

	payloadJSON, err := json.Marshal(t.ctx.Payload)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshaling push payload", err)
	}

	var firstErr error
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotification(payloadJSON, wpSub, &webpush.Options{
			VAPIDPublicKey:  t.vapid.PublicKey,
			VAPIDPrivateKey: t.vapid.PrivateKey,
			Subscriber:      t.vapid.Contact,
			TTL:             86400,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			_ = t.store.DeleteSubscription(ctx, sub.ID)
			continue
		}
		_ = t.store.TouchSubscription(ctx, sub.ID)
	}
	if firstErr != nil {
		return coreerr.Wrap(coreerr.NetworkError, "dispatching push notification", firstErr)
	}
	return nil
}

// NewSubmissionCtx serializes a task context for callers building a
// scheduler.Submission directly.
func NewSubmissionCtx(tnID, idTag string, payload Payload) (string, error) {
	b, err := json.Marshal(taskCtx{TnID: tnID, IDTag: idTag, Payload: payload})
	return string(b), err
}
