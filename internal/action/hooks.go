package action

import "context"

// Hooks is the per-type behavior set a Pipeline dispatches into after
// persisting an action (spec §4.E steps "on_create hook" / "on_receive
// hook", Design Notes §9). Any method left nil is a no-op for that type.
// nativehooks registers the built-in behaviors; callers may also supply
// application-specific hooks through the same registry.
type Hooks struct {
	// OnCreate runs after an outbound action is signed and persisted,
	// before fan-out planning. It may mutate counters, transition another
	// action's status (SUBS auto-accept, APRV), or reject the submission
	// outright by returning an error.
	OnCreate func(ctx context.Context, h *HookContext, a *Action) error

	// OnReceive runs after an inbound action is verified and persisted,
	// before related-action recursion and notification.
	OnReceive func(ctx context.Context, h *HookContext, a *Action) error

	// OnAccept runs when a pending (Status=C) action transitions to
	// Active via an APRV-style confirmation.
	OnAccept func(ctx context.Context, h *HookContext, a *Action) error

	// OnReject runs when a pending action is instead rejected.
	OnReject func(ctx context.Context, h *HookContext, a *Action) error
}

// HookContext is the capability bag hooks receive, scoped to exactly what
// native hooks need: persistence and a way to recurse into the pipeline
// for complementary actions (e.g. APRV accepting or rejecting its subject).
type HookContext struct {
	Store    Store
	Pipeline *Pipeline
}

// HookRegistry maps "typ" or "typ:sub_typ" to its Hooks, with the same
// fallback-to-bare-typ lookup as the type Registry.
type HookRegistry map[string]Hooks

// NewHookRegistry returns an empty registry; callers Register into it.
func NewHookRegistry() HookRegistry {
	return make(HookRegistry)
}

// Register installs hooks for a given wire type key ("TYP" or
// "TYP:SUBTYP").
func (r HookRegistry) Register(key string, h Hooks) {
	r[key] = h
}

// Lookup returns the Hooks for "typ:subTyp", falling back to the bare
// typ entry, and finally a zero-value (no-op) Hooks.
func (r HookRegistry) Lookup(typ, subTyp string) Hooks {
	key := typ
	if subTyp != "" {
		key = typ + ":" + subTyp
	}
	if h, ok := r[key]; ok {
		return h
	}
	if h, ok := r[typ]; ok {
		return h
	}
	return Hooks{}
}
