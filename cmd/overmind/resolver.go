package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/conflict"
	"github.com/overmind-sh/overmind/internal/supervisor"
)

// agentResolver mediates file disputes by spawning a short-lived
// resolver agent. The dispute rides in on the kickoff context; the
// verdict comes back through the exit code: 0 proceed, 2 escalate,
// anything else wait.
type agentResolver struct {
	sup *supervisor.Supervisor
	log *logger.Logger
}

func newAgentResolver(sup *supervisor.Supervisor, log *logger.Logger) *agentResolver {
	return &agentResolver{sup: sup, log: log.WithComponent("resolver")}
}

func (r *agentResolver) Resolve(ctx context.Context, d conflict.Dispute) (conflict.Verdict, error) {
	kickoff := fmt.Sprintf(
		"File dispute over %s.\nHolder: agent %s (task %s), reason: %s.\nComplainant: agent %s (task %s), reason: %s.\n"+
			"Exit 0 to let the complainant proceed, 2 to escalate, anything else to keep them waiting.",
		d.File,
		d.Holder.HolderAgentID, d.Holder.HolderTaskID, d.Holder.Reason,
		d.Complainant.ComplainantAgentID, d.Complainant.ComplainantTaskID, d.Complainant.Reason,
	)

	agentID, err := r.sup.Spawn(ctx, "resolver", d.Complainant.ComplainantTaskID, kickoff)
	if err != nil {
		return conflict.VerdictEscalate, fmt.Errorf("resolver spawn: %w", err)
	}

	code, signal, err := r.sup.OnExit(ctx, agentID)
	if err != nil {
		return conflict.VerdictEscalate, fmt.Errorf("resolver exit: %w", err)
	}
	if signal != "" {
		r.log.Warn("resolver killed before ruling",
			zap.String("agent_id", agentID), zap.String("signal", signal))
		return conflict.VerdictWait, nil
	}
	switch code {
	case 0:
		return conflict.VerdictProceed, nil
	case 2:
		return conflict.VerdictEscalate, nil
	default:
		return conflict.VerdictWait, nil
	}
}
