package responders

import (
	"context"
	"encoding/json"

	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/repository"
	"github.com/spec-kit/helpdesk/internal/rpc"
)

// UserResponder resolves contacts for other services.
type UserResponder struct {
	users repository.UserRepository
}

func NewUserResponder(users repository.UserRepository) *UserResponder {
	return &UserResponder{users: users}
}

func (r *UserResponder) Register(server *rpc.Server) error {
	return registerAll(server, map[string]rpc.HandlerFunc{
		contracts.TopicUserLookup:     r.lookup,
		contracts.TopicUserSupporters: r.supporters,
	})
}

func (r *UserResponder) lookup(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := rpc.Bind[contracts.UserLookupRequest](payload)
	if err != nil {
		return nil, err
	}
	users, err := r.users.GetByIDs(ctx, req.UserIDs)
	if err != nil {
		return nil, err
	}
	return usersReply(users), nil
}

func (r *UserResponder) supporters(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := rpc.Bind[contracts.SupportersRequest](payload)
	if err != nil {
		return nil, err
	}
	users, err := r.users.ListByRoleIDs(ctx, req.RoleIDs)
	if err != nil {
		return nil, err
	}
	return usersReply(users), nil
}

func usersReply(users []domain.User) contracts.UsersReply {
	reply := contracts.UsersReply{Users: make([]contracts.UserContact, 0, len(users))}
	for i := range users {
		reply.Users = append(reply.Users, contracts.NewUserContact(&users[i]))
	}
	return reply
}
