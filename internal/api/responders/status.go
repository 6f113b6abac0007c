package responders

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/repository"
	"github.com/spec-kit/helpdesk/internal/rpc"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

// StatusResponder serves the status catalog.
type StatusResponder struct {
	statuses repository.StatusRepository
}

func NewStatusResponder(statuses repository.StatusRepository) *StatusResponder {
	return &StatusResponder{statuses: statuses}
}

func (r *StatusResponder) Register(server *rpc.Server) error {
	return registerAll(server, map[string]rpc.HandlerFunc{
		contracts.TopicStatusGet:  r.get,
		contracts.TopicStatusList: r.list,
	})
}

func (r *StatusResponder) get(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := rpc.Bind[contracts.StatusGetRequest](payload)
	if err != nil {
		return nil, err
	}
	status, err := r.statuses.GetByID(ctx, req.StatusID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("status", map[string]any{"statusId": req.StatusID})
	}
	if err != nil {
		return nil, err
	}
	return contracts.NewStatusView(status), nil
}

func (r *StatusResponder) list(ctx context.Context, _ json.RawMessage) (any, error) {
	statuses, err := r.statuses.List(ctx)
	if err != nil {
		return nil, err
	}
	reply := contracts.StatusListReply{Statuses: make([]contracts.StatusView, 0, len(statuses))}
	for i := range statuses {
		reply.Statuses = append(reply.Statuses, contracts.NewStatusView(&statuses[i]))
	}
	return reply, nil
}
