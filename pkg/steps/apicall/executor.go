// Package apicall executes API call steps: it resolves the step's API
// connection, validates and injects credentials, and performs one HTTP
// request per attempt. Secret values are injected into headers only and
// never into logs or step results.
package apicall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/secrets"
	"github.com/nuvoh/runway/pkg/template"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrConnectionRequired is returned when an API call step has no
	// connection id.
	ErrConnectionRequired = errors.New("api call step requires an api connection id")
	// ErrMethodInvalid is returned when the HTTP method is not in the
	// allowed set.
	ErrMethodInvalid = errors.New("invalid HTTP method")
	// ErrPathMissing is returned when neither a path parameter nor a legacy
	// action string provides a request path.
	ErrPathMissing = errors.New("missing request path")
	// ErrHTTPStatus is returned when the server answers with an error
	// status.
	ErrHTTPStatus = errors.New("http request returned error status")
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// Executor performs API call steps.
type Executor struct {
	connections secrets.ConnectionDirectory
	provider    secrets.Provider
	client      *http.Client
}

func NewExecutor(connections secrets.ConnectionDirectory, provider secrets.Provider) *Executor {
	return &Executor{
		connections: connections,
		provider:    provider,
		client:      &http.Client{},
	}
}

func (e *Executor) Kind() models.StepKind {
	return models.StepKindAPICall
}

// Validate checks the connection id and the method/path shape without
// touching the network or the secrets provider.
func (e *Executor) Validate(step *models.Step) error {
	if step.APIConnectionID == "" {
		return ErrConnectionRequired
	}

	_, _, err := requestLine(step)

	return err
}

// requestLine extracts the HTTP method and path. Explicit method/path
// parameters win; otherwise a legacy single-string action of the form
// "METHOD /path" is split on the first space.
func requestLine(step *models.Step) (string, string, error) {
	method, _ := step.Parameters["method"].(string)
	path, _ := step.Parameters["path"].(string)

	if method == "" && path == "" {
		action := step.Action()
		if action != "" {
			method, path, _ = strings.Cut(action, " ")
		}
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if !allowedMethods[method] {
		return "", "", fmt.Errorf("%w: %q", ErrMethodInvalid, method)
	}

	if path == "" {
		return "", "", ErrPathMissing
	}

	return method, path, nil
}

func (e *Executor) Execute(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, attempt int, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "apicall_executor", "connection_id", step.APIConnectionID)

	method, path, err := requestLine(step)
	if err != nil {
		return nil, err
	}

	connection, err := e.connections.GetConnection(ctx, step.APIConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api connection %s: %w", step.APIConnectionID, err)
	}

	required := secrets.RequiredSecretTypes(connection.AuthType)

	validation, err := e.provider.ValidateConnectionSecrets(ctx, execCtx.UserID, connection.ID, required)
	if err != nil {
		return nil, fmt.Errorf("failed to validate connection secrets: %w", err)
	}

	if err := validation.Err(); err != nil {
		return nil, err
	}

	req, err := e.buildRequest(ctx, connection, method, path, step, execCtx)
	if err != nil {
		return nil, err
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.InfoContext(ctx, "Dispatching API call", "method", method, "attempt", attempt)

	resp, err := e.client.Do(req.WithContext(reqCtx))
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	return processResponse(ctx, resp, logger)
}

func (e *Executor) buildRequest(
	ctx context.Context,
	connection *secrets.Connection,
	method, path string,
	step *models.Step,
	execCtx *models.ExecutionContext,
) (*http.Request, error) {
	url := strings.TrimSuffix(connection.BaseURL, "/") + template.Render(path, execCtx)

	var body io.Reader = strings.NewReader("")

	if rawBody, ok := step.Parameters["body"]; ok {
		rendered := template.RenderValue(rawBody, execCtx)

		if str, ok := rendered.(string); ok {
			body = strings.NewReader(str)
		} else {
			encoded, err := json.Marshal(rendered)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}

			body = strings.NewReader(string(encoded))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if headers, ok := step.Parameters["headers"].(map[string]any); ok {
		for key, value := range headers {
			if str, ok := value.(string); ok {
				req.Header.Set(key, template.Render(str, execCtx))
			}
		}
	}

	if req.Header.Get("Content-Type") == "" && req.Method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	err = e.setAuthHeader(ctx, req, connection, execCtx.UserID)
	if err != nil {
		return nil, err
	}

	return req, nil
}

// setAuthHeader injects the connection's credential into the request.
func (e *Executor) setAuthHeader(ctx context.Context, req *http.Request, connection *secrets.Connection, userID string) error {
	switch connection.AuthType {
	case secrets.AuthTypeAPIKey:
		value, err := e.secretValue(ctx, userID, connection.ID, secrets.SecretTypeAPIKey)
		if err != nil {
			return err
		}

		header := connection.HeaderName
		if header == "" {
			header = "X-API-Key"
		}

		req.Header.Set(header, value)
	case secrets.AuthTypeBearerToken:
		value, err := e.secretValue(ctx, userID, connection.ID, secrets.SecretTypeBearerToken)
		if err != nil {
			return err
		}

		req.Header.Set("Authorization", "Bearer "+value)
	case secrets.AuthTypeOAuth2:
		value, err := e.secretValue(ctx, userID, connection.ID, secrets.SecretTypeAccessToken)
		if err != nil {
			return err
		}

		req.Header.Set("Authorization", "Bearer "+value)
	case secrets.AuthTypeBasicAuth:
		username, err := e.secretValue(ctx, userID, connection.ID, secrets.SecretTypeUsername)
		if err != nil {
			return err
		}

		password, err := e.secretValue(ctx, userID, connection.ID, secrets.SecretTypePassword)
		if err != nil {
			return err
		}

		encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		req.Header.Set("Authorization", "Basic "+encoded)
	}

	return nil
}

func (e *Executor) secretValue(ctx context.Context, userID, connectionID string, secretType secrets.SecretType) (string, error) {
	refs, err := e.provider.GetSecretsForConnection(ctx, userID, connectionID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve connection secrets: %w", err)
	}

	for _, ref := range refs {
		if ref.Type == secretType {
			value, err := e.provider.GetSecretValue(ctx, userID, ref.Name)
			if err != nil {
				return "", fmt.Errorf("failed to resolve secret value: %w", err)
			}

			return value, nil
		}
	}

	return "", fmt.Errorf("%w: no %s secret for connection %s", secrets.ErrSecretNotFound, secretType, connectionID)
}

func processResponse(ctx context.Context, resp *http.Response, logger *slog.Logger) (any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     flattenHeaders(resp.Header),
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	logger.InfoContext(ctx, "API call completed", "status_code", resp.StatusCode, "body_length", len(bodyBytes))

	return result, nil
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}

	return flat
}
