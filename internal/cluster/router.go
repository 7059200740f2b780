package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/workflow"
)

// Peers lists the live runners of a stage.
type Peers interface {
	Self() Runner
	Peers(ctx context.Context) ([]Runner, error)
}

// Router executes a workflow on the runner that owns its idempotency key.
// With no peers configured every key is executed locally.
type Router struct {
	peers   Peers
	ring    *Ring
	client  *Client
	runners map[string]workflow.Runner
	logger  *zap.Logger
}

// NewRouter constructs a Router over the locally bound workflows. peers may be nil.
func NewRouter(peers Peers, client *Client, logger *zap.Logger, runners ...workflow.Runner) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]workflow.Runner, len(runners))
	for _, r := range runners {
		byName[r.Name()] = r
	}
	return &Router{peers: peers, ring: NewRing(), client: client, runners: byName, logger: logger}
}

// Runner returns the locally bound workflow with name.
func (r *Router) Runner(name string) (workflow.Runner, bool) {
	w, ok := r.runners[name]
	return w, ok
}

// Execute runs the workflow locally or forwards it to the owning peer. When
// the owner cannot be reached the execution falls back to this runner; the
// execution lease still prevents a second concurrent run of the key.
func (r *Router) Execute(ctx context.Context, name, key string, payload json.RawMessage) (workflow.Outcome, error) {
	local, ok := r.runners[name]
	if !ok {
		return workflow.Outcome{}, fmt.Errorf("unknown workflow %q", name)
	}
	if r.peers == nil || r.client == nil {
		return local.ExecuteJSON(ctx, payload)
	}
	peers, err := r.peers.Peers(ctx)
	if err != nil {
		r.logger.Warn("peer lookup failed, executing locally", zap.String("idempotency_key", key), zap.Error(err))
		return local.ExecuteJSON(ctx, payload)
	}
	owner, found := r.ring.Owner(key, peers)
	if !found || owner.ID == r.peers.Self().ID {
		return local.ExecuteJSON(ctx, payload)
	}
	r.logger.Debug("forwarding execution",
		zap.String("workflow", name),
		zap.String("idempotency_key", key),
		zap.String("owner", owner.ID),
		zap.String("address", owner.Address),
	)
	out, err := r.client.Execute(ctx, owner.Address, name, payload)
	if err == nil {
		return out, nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) || errors.Is(err, workflow.ErrExecutionInProgress) || workflow.IsTimeout(err) || ctx.Err() != nil {
		return out, err
	}
	r.logger.Warn("owner unreachable, executing locally", zap.String("owner", owner.ID), zap.Error(err))
	return local.ExecuteJSON(ctx, payload)
}
