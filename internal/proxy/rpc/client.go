package controlrpc

import (
	"fmt"
	"net"
	"net/rpc"
	"os"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/app"
)

const dialTimeout = 5 * time.Second

// RemoteError is a non-OK reply status.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server replied %d: %s", e.Status, e.Message)
}

func checkStatus(status int, message string) error {
	if status == StatusOK {
		return nil
	}
	return &RemoteError{Status: status, Message: message}
}

// Client calls a running server over its control socket.
type Client struct {
	rpc    *rpc.Client
	caller string
}

func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}

	caller := "cli"
	if host, err := os.Hostname(); err == nil {
		caller = fmt.Sprintf("cli@%s[%d]", host, os.Getpid())
	}

	return &Client{rpc: rpc.NewClient(conn), caller: caller}, nil
}

func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) call(method string, args any, reply any) error {
	return c.rpc.Call(ServiceName+"."+method, args, reply)
}

func (c *Client) Queue(args QueueArgs) (QueueReply, error) {
	var reply QueueReply
	if err := c.call("Queue", &args, &reply); err != nil {
		return reply, err
	}
	return reply, checkStatus(reply.Status, reply.Message)
}

func (c *Client) Run(args RunArgs) (RunReply, error) {
	var reply RunReply
	if err := c.call("Run", &args, &reply); err != nil {
		return reply, err
	}
	return reply, checkStatus(reply.Status, reply.Message)
}

func (c *Client) Stop(taskID int64, abort bool) error {
	var reply StatusReply
	if err := c.call("Stop", &StopArgs{TaskID: taskID, Abort: abort}, &reply); err != nil {
		return err
	}
	return checkStatus(reply.Status, reply.Message)
}

func (c *Client) Pause(duration string) error {
	var reply StatusReply
	if err := c.call("Pause", &PauseArgs{Duration: duration}, &reply); err != nil {
		return err
	}
	return checkStatus(reply.Status, reply.Message)
}

func (c *Client) simple(method string) error {
	var reply StatusReply
	if err := c.call(method, &Request{Caller: c.caller}, &reply); err != nil {
		return err
	}
	return checkStatus(reply.Status, reply.Message)
}

func (c *Client) Resume() error            { return c.simple("Resume") }
func (c *Client) Suspend() error           { return c.simple("Suspend") }
func (c *Client) ResumeFromSuspend() error { return c.simple("ResumeFromSuspend") }
func (c *Client) Reschedule() error        { return c.simple("Reschedule") }

func (c *Client) Status() (app.ServerState, error) {
	var reply app.ServerState
	err := c.call("Status", &Request{Caller: c.caller}, &reply)
	return reply, err
}

func (c *Client) Wait(lastEventID int64, timeout time.Duration) (WaitReply, error) {
	var reply WaitReply
	err := c.call("Wait", &WaitArgs{LastEventID: lastEventID, Timeout: timeout}, &reply)
	return reply, err
}

func (c *Client) Log(args LogArgs) error {
	var reply LogReply
	if err := c.call("Log", &args, &reply); err != nil {
		return err
	}
	return checkStatus(reply.Status, "")
}
