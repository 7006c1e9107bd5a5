package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hooklift/gowsdl/soap"

	"github.com/ehr/labsync/internal/lab/processor"
)

// DefaultServicePath is appended to a bare host name.
const DefaultServicePath = "/resultsHub/services/ResultsService"

// ExtraServicePath overrides DefaultServicePath.
const ExtraServicePath = "service_path"

var errUnauthorized = errors.New("http 401 unauthorized")

// Client is the results hub RPC surface.
type Client interface {
	GetResults(ctx context.Context, req *GetResults) (*GetResultsResponse, error)
	AcknowledgeResults(ctx context.Context, req *AcknowledgeResults) error
}

type soapClient struct {
	c *soap.Client
}

// NewSOAPClient builds a client using HTTP basic auth under SOAP 1.1.
func NewSOAPClient(cfg *processor.Config, timeout time.Duration) Client {
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: authStatus{next: http.DefaultTransport},
	}
	return &soapClient{c: soap.NewClient(Endpoint(cfg),
		soap.WithBasicAuth(cfg.Username, cfg.Password),
		soap.WithTimeout(timeout),
		soap.WithHTTPClient(httpClient),
	)}
}

// Endpoint returns Host when it is a URL, otherwise an https URL built from
// host, port and service path.
func Endpoint(cfg *processor.Config) string {
	if strings.Contains(cfg.Host, "://") {
		return cfg.Host
	}
	p := cfg.Extra[ExtraServicePath]
	if p == "" {
		p = DefaultServicePath
	}
	if cfg.Port == 0 || cfg.Port == processor.DefaultSOAPPort {
		return "https://" + cfg.Host + p
	}
	return fmt.Sprintf("https://%s:%d%s", cfg.Host, cfg.Port, p)
}

func (s *soapClient) GetResults(ctx context.Context, req *GetResults) (*GetResultsResponse, error) {
	resp := &GetResultsResponse{}
	if err := s.c.CallContext(ctx, "", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *soapClient) AcknowledgeResults(ctx context.Context, req *AcknowledgeResults) error {
	resp := &AcknowledgeResultsResponse{}
	return s.c.CallContext(ctx, "", req, resp)
}

// authStatus turns 401 and 403 replies into errUnauthorized so they are
// distinguishable from SOAP faults.
type authStatus struct{ next http.RoundTripper }

func (t authStatus) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, errUnauthorized
	}
	return resp, nil
}
