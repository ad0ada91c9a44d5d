package config

import (
	"context"
	"slices"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// GroupAuthorizer decides status transitions from static group membership:
// editors may request review, reviewers may approve and sign. It satisfies
// the workflow's Authorizer port.
type GroupAuthorizer struct {
	groups         map[string][]string
	editorsGroup   string
	reviewersGroup string
}

// NewGroupAuthorizer builds the default authorizer from the loaded config.
func NewGroupAuthorizer(cfg *Config) *GroupAuthorizer {
	return &GroupAuthorizer{
		groups:         cfg.Groups,
		editorsGroup:   cfg.EditorsGroup,
		reviewersGroup: cfg.ReviewersGroup,
	}
}

func (g *GroupAuthorizer) member(group, identity string) bool {
	return slices.Contains(g.groups[group], identity)
}

// CanTransition reports whether identity may move the collection to target.
func (g *GroupAuthorizer) CanTransition(_ context.Context, identity, bucket, collection string, target schema.Status) bool {
	if identity == "" {
		return false
	}
	switch target {
	case schema.StatusToReview:
		return g.member(g.editorsGroup, identity)
	case schema.StatusToSign, schema.StatusSigned:
		return g.member(g.reviewersGroup, identity)
	case schema.StatusWorkInProgress:
		// Declining a review or reopening is open to both roles.
		return g.member(g.editorsGroup, identity) || g.member(g.reviewersGroup, identity)
	}
	return false
}
