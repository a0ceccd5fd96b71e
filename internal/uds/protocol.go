// Package uds is the operator control channel of a running devfleet process: length-prefixed
// JSON requests over a unix socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the state directory.
const DefaultSocketName = "devfleet.sock"

// Control commands served by a running fleet.
const (
	CmdPing           = "ping"
	CmdStatus         = "status"
	CmdPauseRestarts  = "pause_restarts"
	CmdResumeRestarts = "resume_restarts"
	CmdStop           = "stop"
)

// maxFrame bounds a single frame.
const maxFrame = 4 * 1024 * 1024

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string { return e.Code + ": " + e.Message }

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

// PauseParams is the payload of pause_restarts.
type PauseParams struct {
	Reason string `json:"reason"`
}

// StopParams is the payload of stop. Force cancels in-flight work instead of draining it.
type StopParams struct {
	Force bool `json:"force,omitempty"`
}

type PingResult struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// RestartState answers pause_restarts and resume_restarts with the resulting gate.
type RestartState struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

type StopResult struct {
	Status string `json:"status"`
	Force  bool   `json:"force"`
}

// mutating reports whether command changes the running fleet. Those are logged at info.
func mutating(command string) bool {
	switch command {
	case CmdPauseRestarts, CmdResumeRestarts, CmdStop:
		return true
	}
	return false
}

// validateParams checks the params a command cannot run without before its handler sees them.
func validateParams(req *Request) error {
	switch req.Command {
	case CmdPauseRestarts:
		var p PauseParams
		if err := req.DecodeParams(&p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Reason) == "" {
			return fmt.Errorf("pause_restarts: reason is required")
		}
	case CmdStop:
		var p StopParams
		return req.DecodeParams(&p)
	}
	return nil
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v. Missing params leave v untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// Decode unmarshals a successful response's data into v, or returns the remote error.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return fmt.Errorf("request failed without detail")
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// WriteFrame writes [4-byte big-endian length][JSON payload].
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
