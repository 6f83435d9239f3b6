package uhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
)

// maxErrorBody bounds how much of an error response body ends up in an error message.
const maxErrorBody = 512

type (
	HttpClient interface {
		HttpClient() *http.Client
		Do(req *http.Request, options ...DoOption) (*http.Response, error)
		NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error)
	}
	BaseHttpClient struct {
		httpClient *http.Client
		userAgent  string
	}

	DoOption      func(*http.Response) error
	RequestOption func() (io.ReadWriter, map[string]string, error)
	WrapperOption func(*BaseHttpClient)
)

func WithUserAgent(ua string) WrapperOption {
	return func(c *BaseHttpClient) {
		c.userAgent = ua
	}
}

func NewBaseHttpClient(httpClient *http.Client, opts ...WrapperOption) *BaseHttpClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &BaseHttpClient{
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTokenClient returns a client that authorizes every request with a token
// from ts. base supplies the underlying transport and may be nil.
func NewTokenClient(ctx context.Context, base *http.Client, ts oauth2.TokenSource) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return oauth2.NewClient(ctx, ts)
}

func (c *BaseHttpClient) HttpClient() *http.Client {
	return c.httpClient
}

func WithJSONResponse(response interface{}) DoOption {
	return func(resp *http.Response) error {
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "" && !IsJSONContentType(ct) {
			return fmt.Errorf("unexpected content type for JSON response: %s", ct)
		}
		return json.NewDecoder(resp.Body).Decode(response)
	}
}

// WithRateLimitData captures the rate limit headers of a successful response.
func WithRateLimitData(desc *ratelimit.Description) DoOption {
	return func(resp *http.Response) error {
		d, err := ratelimit.ExtractRateLimitData(resp.StatusCode, &resp.Header)
		if err != nil {
			return err
		}
		if d != nil {
			*desc = *d
		}
		return nil
	}
}

// Do sends req. A 429 response yields a *ratelimit.Error and any other non-2xx
// response a gRPC status error whose code follows the HTTP status. Options only
// run on successful responses.
func (c *BaseHttpClient) Do(req *http.Request, options ...DoOption) (*http.Response, error) {
	l := ctxzap.Extract(req.Context())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		desc, derr := ratelimit.ExtractRateLimitData(resp.StatusCode, &resp.Header)
		if derr != nil {
			l.Debug("malformed rate limit headers", zap.Error(derr))
		}
		body := errorBody(resp)
		l.Warn("request rate limited",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.String("body", body),
		)
		return resp, &ratelimit.Error{Description: desc, Message: "rate limit exceeded: " + body}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := errorBody(resp)
		return resp, status.Errorf(grpcCode(resp.StatusCode), "unexpected status code %d: %s", resp.StatusCode, body)
	}

	for _, option := range options {
		err = option(resp)
		if err != nil {
			return resp, err
		}
	}

	return resp, nil
}

func errorBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func grpcCode(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

func WithJSONBody(body interface{}) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		buffer := new(bytes.Buffer)
		err := json.NewEncoder(buffer).Encode(body)
		if err != nil {
			return nil, nil, err
		}

		_, headers, err := WithContentTypeJSONHeader()()
		if err != nil {
			return nil, nil, err
		}

		return buffer, headers, nil
	}
}

func WithHeader(key string, value string) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{key: value}, nil
	}
}

func WithAcceptJSONHeader() RequestOption {
	return WithHeader("Accept", "application/json")
}

func WithContentTypeJSONHeader() RequestOption {
	return WithHeader("Content-Type", "application/json")
}

func (c *BaseHttpClient) NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error) {
	var buffer io.ReadWriter
	headers := make(map[string]string)
	for _, option := range options {
		buf, h, err := option()
		if err != nil {
			return nil, err
		}

		if buf != nil {
			buffer = buf
		}

		for k, v := range h {
			headers[k] = v
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url.String(), buffer)
	if err != nil {
		return nil, err
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
