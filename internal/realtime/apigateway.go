// Package realtime delivers processed bills to subscriber connections.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"

	"github.com/zombor/billscan/internal/bill"
)

type connectionPoster interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// APIGatewayTransport pushes messages to API Gateway WebSocket connections
type APIGatewayTransport struct {
	client connectionPoster
}

// CallbackEndpoint converts a WebSocket URL such as
// wss://abc.execute-api.us-east-1.amazonaws.com/prod into the HTTPS endpoint
// of its connection management API
func CallbackEndpoint(websocketURL string) (string, error) {
	u, err := url.Parse(websocketURL)
	if err != nil {
		return "", fmt.Errorf("parsing websocket URL: %w", err)
	}
	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	case "ws", "http":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("unsupported websocket URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("websocket URL %q has no host", websocketURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// NewAPIGatewayTransport creates a transport for the WebSocket API at websocketURL
func NewAPIGatewayTransport(cfg aws.Config, websocketURL string) (*APIGatewayTransport, error) {
	endpoint, err := CallbackEndpoint(websocketURL)
	if err != nil {
		return nil, err
	}
	client := apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &APIGatewayTransport{client: client}, nil
}

// Deliver implements bill.Transport
func (t *APIGatewayTransport) Deliver(ctx context.Context, connectionID string, payload []byte) error {
	_, err := t.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	if err == nil {
		return nil
	}
	if isGone(err) {
		return fmt.Errorf("%w: %s", bill.ErrConnectionGone, connectionID)
	}
	return fmt.Errorf("posting to connection %s: %w", connectionID, err)
}

func isGone(err error) bool {
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusGone
}

var _ bill.Transport = (*APIGatewayTransport)(nil)
