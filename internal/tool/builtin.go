package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pysugar/agent-nexus/internal/logging"
	"github.com/pysugar/agent-nexus/internal/refresh"
	"github.com/pysugar/agent-nexus/internal/store"
)

// CredentialSource resolves a fresh provider credential for a user. It is
// satisfied by the refresher.
type CredentialSource interface {
	Credentials(ctx context.Context, userID, provider string) (*store.Service, error)
}

// maxToolResponse caps how much of a provider response is returned to the
// model.
const maxToolResponse = 64 * 1024

// RegisterBuiltins wires the standard provider-backed tools. Each resolves
// the caller's credential through creds (triggering refresh when stale) and
// then talks to the connected service instance.
func RegisterBuiltins(reg *Registry, creds CredentialSource, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	svc := &serviceTools{creds: creds, client: client}

	reg.Register(Tool{
		Name:        "list_mail",
		Description: "List recent messages from the user's connected mail account.",
		Parameters: objectSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum messages to return", "default": 10},
		}),
		Handler: svc.listMail,
	})
	reg.Register(Tool{
		Name:        "list_events",
		Description: "List upcoming events from the user's connected calendar.",
		Parameters: objectSchema(map[string]any{
			"days": map[string]any{"type": "integer", "description": "How many days ahead to look", "default": 7},
		}),
		Handler: svc.listEvents,
	})
	reg.Register(Tool{
		Name:        "search_crm",
		Description: "Search records in the user's connected CRM.",
		Parameters: objectSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
		}),
		Handler: svc.searchCRM,
	})
	reg.Register(Tool{
		Name:        "send_message",
		Description: "Send a message through the user's connected messaging service.",
		Parameters: objectSchema(map[string]any{
			"phone":   map[string]any{"type": "string", "description": "Recipient phone number in E.164 format"},
			"message": map[string]any{"type": "string", "description": "Message text"},
		}),
		Handler: svc.sendMessage,
	})
}

type serviceTools struct {
	creds  CredentialSource
	client *http.Client
}

func (s *serviceTools) listMail(ctx context.Context, args map[string]any) (string, error) {
	limit := intArg(args, "limit", 10)
	return s.get(ctx, "mail", fmt.Sprintf("/messages?limit=%d", limit))
}

func (s *serviceTools) listEvents(ctx context.Context, args map[string]any) (string, error) {
	days := intArg(args, "days", 7)
	return s.get(ctx, "calendar", fmt.Sprintf("/events?days=%d", days))
}

func (s *serviceTools) searchCRM(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", errors.New("query is required")
	}
	return s.get(ctx, "crm", "/records?q="+url.QueryEscape(query))
}

func (s *serviceTools) sendMessage(ctx context.Context, args map[string]any) (string, error) {
	phone, _ := args["phone"].(string)
	message, _ := args["message"].(string)
	if phone == "" || message == "" {
		return "", errors.New("phone and message are required")
	}
	payload := map[string]string{"phone_number": phone, "message": message}
	return s.post(ctx, "messaging", "/messages", payload)
}

// resolve finds a fresh credential for the calling user, translating the
// credential-layer classifications into messages the model can act on.
func (s *serviceTools) resolve(ctx context.Context, provider string) (*store.Service, error) {
	userID := logging.GetSubject(ctx)
	if userID == "" {
		return nil, errors.New("no authenticated user for this tool call")
	}

	svc, err := s.creds.Credentials(ctx, userID, provider)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrCredentialMissing):
			return nil, fmt.Errorf("the %s service is not connected; ask the user to connect it first", provider)
		case refresh.IsPermanent(err):
			return nil, fmt.Errorf("the %s authorization has expired; the user must reconnect the service", provider)
		default:
			return nil, fmt.Errorf("could not reach the %s service, try again later", provider)
		}
	}
	if svc.Credentials.InstanceURL == "" {
		return nil, fmt.Errorf("the %s service has no instance URL configured", provider)
	}
	return svc, nil
}

func (s *serviceTools) get(ctx context.Context, provider, path string) (string, error) {
	svc, err := s.resolve(ctx, provider)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.Credentials.InstanceURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", provider, err)
	}
	return s.do(req, svc, provider)
}

func (s *serviceTools) post(ctx context.Context, provider, path string, payload any) (string, error) {
	svc, err := s.resolve(ctx, provider)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.Credentials.InstanceURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, svc, provider)
}

func (s *serviceTools) do(req *http.Request, svc *store.Service, provider string) (string, error) {
	req.Header.Set("Authorization", "Bearer "+svc.Credentials.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponse))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s returned %s", provider, resp.Status)
	}
	return string(body), nil
}

func objectSchema(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

func intArg(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
