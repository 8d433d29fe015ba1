package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"agora/api/internal/fault"
	"agora/api/internal/remote"
)

// envelope covers the response wrappers seen across index versions.
type envelope struct {
	Code     *int            `json:"code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	Results  json.RawMessage `json:"results"`
	Entities json.RawMessage `json:"entities"`
	Rows     json.RawMessage `json:"rows"`
}

func (c *Client) call(ctx context.Context, op, method, path string, payload any) (*envelope, error) {
	if !c.Configured() {
		return nil, fault.New(fault.Unconfigured, op, "ZILLIZ_API_URL is not configured")
	}
	req, err := remote.NewJSONRequest(method, c.baseURL+path, payload)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, op, err)
	}
	resp, err := c.exec.Execute(ctx, req.WithBearer(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("vector index %s: %w", op, err)
	}
	if resp.Status == http.StatusNotFound {
		return nil, &fault.Error{Kind: fault.NotFound, Op: op, Message: remote.Snippet(resp.Body), Status: resp.Status}
	}
	if !resp.OK() {
		c.logger.Warn("vector index rejected request", "op", op, "status", resp.Status, "body", remote.Snippet(resp.Body))
		return nil, remote.StatusError(op, resp)
	}
	return decodeEnvelope(op, resp.Body)
}

func decodeEnvelope(op string, body []byte) (*envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &envelope{}, nil
	}
	if trimmed[0] == '[' {
		return &envelope{Data: json.RawMessage(trimmed)}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fault.Wrap(fault.Unparsable, op, fmt.Errorf("decode response: %w", err))
	}
	if env.Code != nil && *env.Code != 0 && *env.Code != http.StatusOK {
		msg := strings.ToLower(env.Message)
		kind := fault.Permanent
		switch {
		case strings.Contains(msg, "not exist"), strings.Contains(msg, "not found"), strings.Contains(msg, "can't find"):
			kind = fault.NotFound
		case strings.Contains(msg, "already exist"):
			kind = fault.Conflict
		}
		return nil, &fault.Error{Kind: kind, Op: op, Message: fmt.Sprintf("code %d: %s", *env.Code, env.Message)}
	}
	return &env, nil
}

func unmarshalNumbers(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
