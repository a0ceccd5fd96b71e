package uds

import (
	"fmt"
	"net"
	"time"

	"github.com/msageha/devfleet/internal/model"
)

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 10 * time.Second}
}

func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w (is a run active? start one with: devfleet run)", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends command and decodes the response data into out.
func (c *Client) Call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *Client) Ping() (PingResult, error) {
	var r PingResult
	err := c.Call(CmdPing, nil, &r)
	return r, err
}

// Status fetches the live fleet view of the running process.
func (c *Client) Status() (model.FleetStatus, error) {
	var st model.FleetStatus
	err := c.Call(CmdStatus, nil, &st)
	return st, err
}

// PauseRestarts suppresses automatic device restarts. Pauses nest; each needs a resume.
func (c *Client) PauseRestarts(reason string) (RestartState, error) {
	var st RestartState
	err := c.Call(CmdPauseRestarts, PauseParams{Reason: reason}, &st)
	return st, err
}

func (c *Client) ResumeRestarts() (RestartState, error) {
	var st RestartState
	err := c.Call(CmdResumeRestarts, nil, &st)
	return st, err
}

// Stop asks the run to finish. With force, in-flight items are cancelled and return to the
// backlog instead of completing.
func (c *Client) Stop(force bool) (StopResult, error) {
	var r StopResult
	err := c.Call(CmdStop, StopParams{Force: force}, &r)
	return r, err
}
