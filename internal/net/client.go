package net

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/medfl/fedavg/internal/protocol"
)

// Client calls a participant served by a Server.
type Client struct {
	base string
	hc   *http.Client
}

var _ protocol.Participant = (*Client)(nil)

// NewClient returns a client of the participant at addr. An address without
// scheme is reached over plain http.
func NewClient(addr string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), hc: hc}
}

// Address is the base URL of the participant.
func (c *Client) Address() string { return c.base }

// StatusError is returned when the participant answered with an error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("participant answered %d: %s", e.Code, e.Message)
}

func (c *Client) Info(ctx context.Context) (*protocol.Info, error) {
	out := new(protocol.Info)
	return out, c.do(ctx, http.MethodGet, InfoPath, nil, out)
}

func (c *Client) Prove(ctx context.Context, req *protocol.ChallengeRequest) (*protocol.ChallengeResponse, error) {
	out := new(protocol.ChallengeResponse)
	return out, c.do(ctx, http.MethodPost, ProvePath, req, out)
}

func (c *Client) Fit(ctx context.Context, req *protocol.FitRequest) (*protocol.FitResponse, error) {
	out := new(protocol.FitResponse)
	return out, c.do(ctx, http.MethodPost, FitPath, req, out)
}

func (c *Client) Reveal(ctx context.Context, req *protocol.RevealRequest) (*protocol.RevealResponse, error) {
	out := new(protocol.RevealResponse)
	return out, c.do(ctx, http.MethodPost, RevealPath, req, out)
}

func (c *Client) Evaluate(ctx context.Context, req *protocol.EvalRequest) (*protocol.EvalResponse, error) {
	out := new(protocol.EvalResponse)
	return out, c.do(ctx, http.MethodPost, EvaluatePath, req, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body bytes.Buffer
	if in != nil {
		if err := encode(&body, in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := new(errorBody)
		if err := decode(resp.Body, e); err != nil {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if err := decode(resp.Body, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
