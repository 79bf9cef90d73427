package controlplane

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/lifecycle"
)

const handleTimeout = 10 * time.Second

// handle runs one inbound frame. Every failure is answered with an error
// event to c alone.
func (h *Hub) handle(c *Conn, f Frame) {
	cmd, err := DecodeCommand(f)
	if err != nil {
		c.sendError(f.ID, f.Type, apperr.Wrap(apperr.KindValidation, "", err))
		return
	}

	if a, ok := cmd.(*AuthenticateCmd); ok {
		h.authenticate(c, f.ID, a)
		return
	}

	role, _, authed := c.identity()
	if !authed {
		err := apperr.Unauthenticated("authenticate first")
		h.audit(c, cmd.Name(), "", err)
		c.sendError(f.ID, cmd.Name(), err)
		return
	}
	if !allowed(cmd.Name(), role) {
		err := apperr.Forbidden("role %s may not send %s", role, cmd.Name())
		h.audit(c, cmd.Name(), requestOf(cmd), err)
		c.sendError(f.ID, cmd.Name(), err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, handleTimeout)
	defer cancel()

	result, err := h.execute(ctx, c, cmd)
	if cmd.Name() != CmdCommandResult {
		h.audit(c, cmd.Name(), requestOf(cmd), err)
	}
	if err != nil {
		c.log.Debug("command refused", zap.String("command", cmd.Name()), zap.Error(err))
		c.sendError(f.ID, cmd.Name(), err)
		return
	}
	if evt, ok := result.(Event); ok {
		c.sendEvent(f.ID, evt)
		return
	}
	c.sendEvent(f.ID, AckEvt{Command: cmd.Name(), Result: result})
}

func (h *Hub) authenticate(c *Conn, id string, a *AuthenticateCmd) {
	if _, _, authed := c.identity(); authed {
		c.sendError(id, CmdAuthenticate, apperr.Validation("already authenticated"))
		return
	}
	p, err := h.verifier.Authenticate(a.Token, a.Role)
	if err != nil {
		h.audit(c, CmdAuthenticate, "", err)
		c.sendError(id, CmdAuthenticate, err)
		return
	}

	var group string
	switch a.Role {
	case auth.RoleOperator:
		group = GroupOperators
	case auth.RoleWorker:
		group = GroupWorkers
	default:
		group = GroupRequester(p.ID)
	}
	c.bind(a.Role, p.ID, group)
	h.join(c, group)
	h.metrics.ConnectionOpened(string(a.Role))
	h.audit(c, CmdAuthenticate, "", nil)
	c.log.Info("authenticated", zap.String("role", string(a.Role)), zap.String("principal", p.ID))

	c.sendEvent(id, AuthenticatedEvt{ConnectionID: c.ID, Role: a.Role, PrincipalID: p.ID})
}

func (h *Hub) execute(ctx context.Context, c *Conn, cmd Command) (any, error) {
	role, principal, _ := c.identity()
	actor := string(role) + ":" + principal

	switch cmd := cmd.(type) {
	case *ResyncCmd:
		return h.snapshot(ctx, role, principal, cmd.RequestID)

	case *SubmitCmd:
		req, err := h.engine.Submit(ctx, lifecycle.SubmitInput{
			RequesterID:    principal,
			TargetSite:     cmd.TargetSite,
			CredentialsRef: cmd.CredentialsRef,
			RequesterMeta:  cmd.RequesterMeta,
		})
		if err != nil {
			return nil, err
		}
		return req.View(time.Now()), nil

	case *InterventionCmd:
		if _, err := h.owned(ctx, principal, cmd.RequestID); err != nil {
			return nil, err
		}
		p := cmd.Payload
		if cmd.Attempt > 0 {
			p.Attempt = cmd.Attempt
		}
		res, err := h.engine.SubmitInterventionResult(ctx, cmd.RequestID, p, actor)
		if err != nil {
			return nil, err
		}
		return InterventionAck{
			Success:           res.Success,
			Status:            lifecycle.Coarse(res.Status),
			AttemptsRemaining: res.AttemptsRemaining,
		}, nil

	case *OperatorDecisionCmd:
		req, err := h.engine.OperatorDecision(ctx, cmd.RequestID, lifecycle.Decision{
			Action:       cmd.Action,
			Reason:       cmd.Reason,
			Intervention: cmd.Intervention,
		}, actor)
		if err != nil {
			return nil, err
		}
		return req, nil

	case *CancelCmd:
		req, err := h.engine.Cancel(ctx, cmd.RequestID, actor)
		if err != nil {
			return nil, err
		}
		return req, nil

	case *RecycleProfileCmd:
		if err := h.profiles.Recycle(cmd.ProfileID); err != nil {
			return nil, err
		}
		return map[string]string{"profile_id": cmd.ProfileID}, nil

	case *CommandResultCmd:
		if err := h.agents.deliver(c.ID, cmd); err != nil {
			return nil, err
		}
		return map[string]string{"command_id": cmd.CommandID}, nil
	}
	return nil, errUnknownCommand
}

// owned loads a request and hides it from anyone but its requester.
func (h *Hub) owned(ctx context.Context, principal, requestID string) (lifecycle.Request, error) {
	req, err := h.engine.Get(ctx, requestID)
	if err != nil {
		return lifecycle.Request{}, err
	}
	if req.RequesterID != principal {
		return lifecycle.Request{}, apperr.NotFound("request %s not found", requestID)
	}
	return req, nil
}

func (h *Hub) snapshot(ctx context.Context, role auth.Role, principal, requestID string) (SnapshotEvt, error) {
	now := time.Now()
	if role == auth.RoleRequester {
		if requestID != "" {
			req, err := h.owned(ctx, principal, requestID)
			if err != nil {
				return SnapshotEvt{}, err
			}
			return SnapshotEvt{Views: []lifecycle.RequesterView{req.View(now)}}, nil
		}
		reqs := h.engine.ListByRequester(principal)
		views := make([]lifecycle.RequesterView, 0, len(reqs))
		for _, r := range reqs {
			views = append(views, r.View(now))
		}
		return SnapshotEvt{Views: views}, nil
	}

	if requestID != "" {
		req, err := h.engine.Get(ctx, requestID)
		if err != nil {
			return SnapshotEvt{}, err
		}
		return SnapshotEvt{Requests: []lifecycle.Request{req}}, nil
	}
	return SnapshotEvt{Requests: h.engine.Active(), Profiles: h.profiles.Profiles()}, nil
}

func requestOf(cmd Command) string {
	switch cmd := cmd.(type) {
	case *ResyncCmd:
		return cmd.RequestID
	case *InterventionCmd:
		return cmd.RequestID
	case *OperatorDecisionCmd:
		return cmd.RequestID
	case *CancelCmd:
		return cmd.RequestID
	}
	return ""
}
