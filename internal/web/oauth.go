package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

// Installation is the result of a completed OAuth exchange: everything the
// registry needs to bring a workspace online.
type Installation struct {
	TeamID    string
	TeamName  string
	BotToken  string
	BotUserID string
}

// Exchanger turns a temporary OAuth code into a workspace installation.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (*Installation, error)
}

// slackExchanger performs the oauth.v2.access exchange against Slack.
type slackExchanger struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewSlackExchanger creates an Exchanger backed by Slack's OAuth v2 endpoint.
func NewSlackExchanger(clientID, clientSecret string) Exchanger {
	return &slackExchanger{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   http.DefaultClient,
	}
}

// Exchange redeems the code and validates that the response carries every
// field an installation needs. A response missing any of them is rejected
// outright rather than stored half-formed.
func (e *slackExchanger) Exchange(ctx context.Context, code string) (*Installation, error) {
	resp, err := slack.GetOAuthV2ResponseContext(ctx, e.httpClient, e.clientID, e.clientSecret, code, "")
	if err != nil {
		return nil, fmt.Errorf("web: oauth exchange: %w", err)
	}
	if !resp.Ok {
		return nil, fmt.Errorf("web: oauth exchange refused: %s", resp.Error)
	}
	if resp.Team.ID == "" || resp.Team.Name == "" || resp.AccessToken == "" || resp.BotUserID == "" {
		return nil, fmt.Errorf("web: oauth exchange: incomplete response [team=%q name=%q bot=%q]",
			resp.Team.ID, resp.Team.Name, resp.BotUserID)
	}
	return &Installation{
		TeamID:    resp.Team.ID,
		TeamName:  resp.Team.Name,
		BotToken:  resp.AccessToken,
		BotUserID: resp.BotUserID,
	}, nil
}
