package service

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/gate"
	"github.com/skyflock/skyflock/internal/metrics"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/sky"
)

// ActionService executes an authorized action against the network. It never
// touches stored credentials: everything it needs arrives inside the Grant.
type ActionService struct {
	agent sky.Agent
}

func NewActionService(agent sky.Agent) *ActionService {
	return &ActionService{agent: agent}
}

// ActionResult carries whatever the executed action produced that is worth
// echoing back to the channel.
type ActionResult struct {
	Action model.ActionKind
	Ref    *sky.PostRef
}

// Execute runs the granted action. The payload keys are those set by the
// interaction handlers when the challenge was opened.
func (s *ActionService) Execute(ctx context.Context, g *gate.Gate, grant *gate.Grant) (*ActionResult, error) {
	ch := grant.Challenge
	if ch == nil {
		return nil, fmt.Errorf("grant has no challenge")
	}

	result := &ActionResult{Action: ch.Action}
	payload := ch.Payload

	var err error
	switch ch.Action {
	case model.ActionPost:
		result.Ref, err = s.agent.CreatePost(ctx, grant.Session, payload["text"])
	case model.ActionLike:
		var ref *sky.PostRef
		ref, err = s.resolveRef(ctx, grant, payload)
		if err == nil {
			err = s.agent.Like(ctx, grant.Session, *ref)
		}
	case model.ActionUnlike:
		err = s.agent.Unlike(ctx, grant.Session, payload["uri"])
	case model.ActionRepost:
		var ref *sky.PostRef
		ref, err = s.resolveRef(ctx, grant, payload)
		if err == nil {
			err = s.agent.Repost(ctx, grant.Session, *ref)
		}
	case model.ActionUnrepost:
		err = s.agent.Unrepost(ctx, grant.Session, payload["uri"])
	case model.ActionFollow:
		err = s.agent.Follow(ctx, grant.Session, payload["did"])
	case model.ActionUnfollow:
		err = s.agent.Unfollow(ctx, grant.Session, payload["did"])
	case model.ActionMute:
		err = s.agent.Mute(ctx, grant.Session, payload["did"])
	case model.ActionUnmute:
		err = s.agent.Unmute(ctx, grant.Session, payload["did"])
	default:
		return nil, fmt.Errorf("unknown action kind: %s", ch.Action)
	}
	if err != nil {
		return nil, err
	}

	metrics.Actions.WithLabelValues(string(ch.Action)).Inc()
	g.Executed(ctx, ch)
	return result, nil
}

// resolveRef completes a like/repost subject: a missing CID is fetched from
// the network by splitting the at-uri into repo and rkey.
func (s *ActionService) resolveRef(ctx context.Context, grant *gate.Grant, payload map[string]string) (*sky.PostRef, error) {
	uri := payload["uri"]
	if cid := payload["cid"]; cid != "" {
		return &sky.PostRef{URI: uri, CID: cid}, nil
	}
	repo, rkey, err := splitATURI(uri)
	if err != nil {
		return nil, err
	}
	ref, err := s.agent.GetPost(ctx, grant.Session, repo, rkey)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// splitATURI extracts the repo and record key from an
// at://<repo>/<collection>/<rkey> URI.
func splitATURI(uri string) (repo, rkey string, err error) {
	const scheme = "at://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", apperrors.InvalidInput("uri", "must be an at:// URI")
	}
	parts := strings.Split(strings.TrimPrefix(uri, scheme), "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", apperrors.InvalidInput("uri", "must be at://repo/collection/rkey")
	}
	return parts[0], parts[2], nil
}
