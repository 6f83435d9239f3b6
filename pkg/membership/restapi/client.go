package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
	"github.com/conductorone/baton-rolebatch/pkg/uhttp"
)

var tracer = otel.Tracer("baton-rolebatch/restapi")

const userAgent = "baton-rolebatch"

// Client talks to a membership REST API. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *uhttp.BaseHttpClient
}

var _ membership.Service = (*Client)(nil)

type Option func(*options)

type options struct {
	httpClient *http.Client
	token      string
}

// WithHTTPClient sets the client used for transport. Authorization is layered on top.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

func New(ctx context.Context, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("restapi: invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("restapi: base url must be absolute: %q", baseURL)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	hc := o.httpClient
	if o.token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.token, TokenType: TokenType})
		hc = uhttp.NewTokenClient(ctx, hc, ts)
	}

	return &Client{
		baseURL: u,
		http:    uhttp.NewBaseHttpClient(hc, uhttp.WithUserAgent(userAgent)),
	}, nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return c.baseURL.JoinPath(escaped...)
}

func (c *Client) FetchPrincipal(ctx context.Context, groupID string, principalID string) (*membership.Principal, error) {
	ctx, span := tracer.Start(ctx, "Client.FetchPrincipal")
	defer span.End()

	req, err := c.http.NewRequest(ctx, http.MethodGet,
		c.endpoint("groups", groupID, "members", principalID),
		uhttp.WithAcceptJSONHeader(),
		uhttp.WithHeader(RequestIDHeader, uuid.NewString()),
	)
	if err != nil {
		return nil, err
	}

	var view PrincipalView
	_, err = c.http.Do(req, uhttp.WithJSONResponse(&view))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s in %s", membership.ErrNotFound, principalID, groupID)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("restapi: fetching %s: %w", principalID, err)
	}

	if view.GroupID == "" {
		view.GroupID = groupID
	}
	return view.Principal(), nil
}

func (c *Client) BulkGrant(ctx context.Context, groupID string, pairs []membership.Pair, reason string) ([]membership.OperationResult, error) {
	return c.mutate(ctx, "bulk-grant", groupID, pairs, reason)
}

func (c *Client) BulkRevoke(ctx context.Context, groupID string, pairs []membership.Pair, reason string) ([]membership.OperationResult, error) {
	return c.mutate(ctx, "bulk-revoke", groupID, pairs, reason)
}

func (c *Client) mutate(ctx context.Context, op string, groupID string, pairs []membership.Pair, reason string) ([]membership.OperationResult, error) {
	ctx, span := tracer.Start(ctx, "Client.mutate")
	defer span.End()

	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.String("operation", op),
		attribute.Int("pairs", len(pairs)),
		attribute.String("request_id", requestID),
	)

	reqOpts := []uhttp.RequestOption{
		uhttp.WithJSONBody(MutationRequest{Pairs: pairs, Reason: reason}),
		uhttp.WithAcceptJSONHeader(),
		uhttp.WithHeader(RequestIDHeader, requestID),
	}
	if reason != "" {
		reqOpts = append(reqOpts, uhttp.WithHeader(AuditReasonHeader, url.QueryEscape(reason)))
	}

	req, err := c.http.NewRequest(ctx, http.MethodPost, c.endpoint("groups", groupID, "tags", op), reqOpts...)
	if err != nil {
		return nil, err
	}

	var out MutationResponse
	if _, err := c.http.Do(req, uhttp.WithJSONResponse(&out)); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("restapi: %s: %w", op, err)
	}

	ctxzap.Extract(ctx).Debug("mutation sent",
		zap.String("operation", op),
		zap.String("group_id", groupID),
		zap.String("request_id", requestID),
		zap.Int("pairs", len(pairs)),
		zap.Int("results", len(out.Results)),
	)

	return out.Results, nil
}
