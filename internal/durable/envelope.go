// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package durable

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind selects the actor method a call is dispatched to.
type Kind string

const (
	KindCommand Kind = "POST"
	KindQuery   Kind = "GET"
)

func (k Kind) Valid() bool {
	return k == KindCommand || k == KindQuery
}

// Request is the envelope published on a channel's inbound topic.
type Request struct {
	MessageID string `json:"messageId,omitempty"`
	Kind      Kind   `json:"type"`
	Payload   string `json:"message"`
	// Oneway requests are dispatched without publishing a response.
	Oneway bool              `json:"oneway,omitempty"`
	Trace  map[string]string `json:"trace,omitempty"`
}

// Response is published on the one-shot response topic of a request.
type Response struct {
	MessageID string  `json:"messageId"`
	Result    *string `json:"result"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
	// Closed reports that the host hibernated before dispatching the request.
	Closed bool `json:"closed,omitempty"`
}

var errMalformedEnvelope = errors.New("malformed envelope")

// EncodeRequest serializes req for publication.
func EncodeRequest(req Request) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if req.MessageID == "" && !req.Oneway {
		return "", fmt.Errorf("%w: request without message id must be oneway", errMalformedEnvelope)
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRequest(raw string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	if !req.Kind.Valid() {
		return Request{}, fmt.Errorf("%w: %w %q", errMalformedEnvelope, ErrUnknownKind, req.Kind)
	}
	if req.MessageID == "" && !req.Oneway {
		return Request{}, fmt.Errorf("%w: missing messageId", errMalformedEnvelope)
	}
	return req, nil
}

func newResponse(messageID, value string, err error) Response {
	resp := Response{MessageID: messageID}
	switch {
	case errors.Is(err, ErrHostClosed):
		resp.Closed = true
		resp.Error = err.Error()
	case err != nil:
		resp.Error = actorMessage(err)
		resp.Code = errorCode(err)
	case value != "":
		resp.Result = &value
	}
	return resp
}

func encodeResponse(resp Response) (string, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeResponse(raw string) (Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	return resp, nil
}

// actorError tags a handler failure while keeping the handler's own message.
type actorError struct {
	err error
}

func (e *actorError) Error() string   { return e.err.Error() }
func (e *actorError) Unwrap() []error { return []error{ErrActor, e.err} }

func wrapActorError(err error) error {
	if err == nil || errors.Is(err, ErrActor) {
		return err
	}
	return &actorError{err: err}
}

// actorMessage is the text carried back to proxies for a failed call.
func actorMessage(err error) string {
	var ae *actorError
	if errors.As(err, &ae) {
		return ae.err.Error()
	}
	return err.Error()
}
