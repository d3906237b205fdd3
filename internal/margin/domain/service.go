package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrConfigNotFound        = errors.New("margin_config_not_found")
	ErrConfigNotPending      = errors.New("margin_config_not_pending")
	ErrInvalidMultiplier     = errors.New("invalid_margin_multiplier")
	ErrInvalidEffectiveRange = errors.New("invalid_effective_range")
	ErrSelfApproval          = errors.New("margin_self_approval")
)

type Service interface {
	// ResolveMultiplier returns the most specific active config matching
	// the request, falling back to the configured default multiplier.
	ResolveMultiplier(ctx context.Context, req ResolveRequest) (Resolution, error)
	CreateConfig(ctx context.Context, req CreateConfigRequest) (*MarginConfig, error)
	Approve(ctx context.Context, configID, approverID snowflake.ID) (*MarginConfig, error)
	Reject(ctx context.Context, configID, approverID snowflake.ID, reason string) (*MarginConfig, error)
	ListConfigs(ctx context.Context, status string) ([]*MarginConfig, error)
}
