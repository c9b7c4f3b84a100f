package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/scheduler"
)

// DeliveryTaskKind is the registered scheduler.TaskType kind for outbound
// action delivery (spec §4.C "four core task kinds").
const DeliveryTaskKind = "core.action_delivery"

// Deliverer posts a signed action token to a target id_tag's inbox. The
// concrete implementation lives behind internal/fedclient; the pipeline
// depends only on this narrow capability.
type Deliverer interface {
	DeliverToInbox(ctx context.Context, targetIDTag, token string) error
}

type deliveryCtx struct {
	TnID     string `json:"tn_id"`
	ActionID string `json:"action_id"`
	Target   string `json:"target"`
}

func deliverySerialize(tnID, actionID, target string) string {
	b, _ := json.Marshal(deliveryCtx{TnID: tnID, ActionID: actionID, Target: target})
	return string(b)
}

// DeliveryTaskType builds ActionDelivery tasks. It holds the pipeline's
// Store (to reload the action and record the outcome) and a Deliverer.
type DeliveryTaskType struct {
	Store      Store
	Deliverer  Deliverer
}

func (DeliveryTaskType) Kind() string { return DeliveryTaskKind }

func (t DeliveryTaskType) Build(taskID string, serializedCtx string) (scheduler.Task, error) {
	var dc deliveryCtx
	if err := json.Unmarshal([]byte(serializedCtx), &dc); err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "decoding delivery task context", err)
	}
	return &deliveryTask{store: t.Store, deliverer: t.Deliverer, ctx: dc}, nil
}

type deliveryTask struct {
	store     Store
	deliverer Deliverer
	ctx       deliveryCtx
}

func (d *deliveryTask) Serialize() (string, error) {
	return deliverySerialize(d.ctx.TnID, d.ctx.ActionID, d.ctx.Target), nil
}

// Run fetches the action and attempts delivery to a single target,
// recording federation_status sent/failed (spec §4.E "Broadcast" step /
// §4.C "ActionDelivery"). The scheduler's own retry policy handles
// re-attempts on error per spec P3/P4.
func (d *deliveryTask) Run(ctx context.Context, _ any) error {
	a, err := d.store.Get(ctx, d.ctx.TnID, d.ctx.ActionID)
	if err != nil {
		return fmt.Errorf("loading action %s: %w", d.ctx.ActionID, err)
	}
	if err := d.deliverer.DeliverToInbox(ctx, d.ctx.Target, a.Token); err != nil {
		_ = d.store.UpdateFederationStatus(ctx, d.ctx.TnID, d.ctx.ActionID, FederationFailed)
		return fmt.Errorf("delivering to %s: %w", d.ctx.Target, err)
	}
	return d.store.UpdateFederationStatus(ctx, d.ctx.TnID, d.ctx.ActionID, FederationSent)
}
