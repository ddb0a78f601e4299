package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"camlink/network"
	"camlink/registry"
)

const consoleRequestTimeout = 15 * time.Second

// console is the operator prompt of a running node. Each input line is parsed as a
// command; manager events, approval requests, and errors are printed as they arrive.
type console struct {
	rt  *runtime
	in  io.Reader
	out io.Writer

	mu sync.Mutex
}

func newConsole(rt *runtime, in io.Reader, out io.Writer) *console {
	return &console{rt: rt, in: in, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	events := c.rt.manager.Events()
	approvals := c.rt.manager.Approvals()
	errs := c.rt.manager.Errors()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				// Input closed; keep serving until signalled.
				lines = nil
				continue
			}
			if c.exec(ctx, line) {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			c.printEvent(event)
		case request, ok := <-approvals:
			if !ok {
				return
			}
			c.printf("pairing request from %s (%s, %s) fingerprint %s\n  %s\n  answer with: approve %s | reject %s\n",
				request.PeerUUID, request.DisplayName, request.Model, request.Fingerprint,
				request.Message, request.PeerUUID, request.PeerUUID)
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.printf("error: %v\n", err)
		}
	}
}

func (c *console) printEvent(event network.Event) {
	switch event.Kind {
	case network.EventChannelState:
		c.printf("channel %s: %s\n", event.PeerUUID, event.State)
	case network.EventPaired:
		c.printf("paired with %s\n", event.PeerUUID)
	case network.EventPairingFailed:
		c.printf("pairing with %s failed: %v\n", event.PeerUUID, event.Err)
	case network.EventStatus:
		parts := make([]string, 0, len(event.Status))
		for _, element := range event.Status {
			parts = append(parts, element.Key+"="+element.Value)
		}
		c.printf("status %s: %s\n", event.PeerUUID, strings.Join(parts, " "))
	case network.EventScreenshot:
		c.printf("screenshot from %s: %d bytes\n", event.PeerUUID, len(event.Data))
	case network.EventResponse:
		c.printf("%s response from %s: %s\n", event.Envelope.Family, event.PeerUUID, event.Envelope.Payload)
	}
}

// exec runs one console line and reports whether the operator asked to quit.
func (c *console) exec(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}

	quit := false
	root := c.commands(ctx, &quit)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		c.printf("error: %v\n", err)
	}
	return quit
}

func (c *console) commands(ctx context.Context, quit *bool) *cobra.Command {
	rt := c.rt
	root := &cobra.Command{
		Use:           "camlink>",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(c.out)
	root.SetErr(c.out)

	requestCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, consoleRequestTimeout)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "peers",
			Short: "List known peers and their channels",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				states := make(map[string]string)
				for _, info := range rt.manager.Channels() {
					state := string(info.State)
					if info.Authorized {
						state += "+auth"
					}
					states[info.PeerUUID] = state
				}
				c.mu.Lock()
				defer c.mu.Unlock()
				printPeers(c.out, rt.registry.List(), states)
				return nil
			},
		},
		&cobra.Command{
			Use:   "pair <peer-uuid> [host:port]",
			Short: "Connect to a peer and run the pairing handshake",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				peerUUID := args[0]
				address := ""
				if len(args) == 2 {
					address = args[1]
				} else {
					address = c.resolve(peerUUID)
				}
				if address == "" {
					return fmt.Errorf("no known address for %s", peerUUID)
				}
				go func() {
					pairCtx, cancel := context.WithTimeout(ctx, network.DefaultPairingTimeout+network.DefaultConnectionTimeout)
					defer cancel()
					if _, err := rt.manager.Connect(pairCtx, peerUUID, address); err != nil {
						c.printf("connect %s: %v\n", peerUUID, err)
						return
					}
					if err := rt.manager.Pair(pairCtx, peerUUID); err != nil {
						c.printf("pair %s: %v\n", peerUUID, err)
					}
				}()
				return nil
			},
		},
		&cobra.Command{
			Use:   "approve <peer-uuid>",
			Short: "Accept a pending pairing request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.manager.Approve(args[0], true)
			},
		},
		&cobra.Command{
			Use:   "reject <peer-uuid>",
			Short: "Refuse a pending pairing request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.manager.Approve(args[0], false)
			},
		},
		&cobra.Command{
			Use:   "deauthorize <peer-uuid>",
			Short: "Revoke a peer's session key; it must pair again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.manager.Deauthorize(args[0])
			},
		},
		&cobra.Command{
			Use:   "block <peer-uuid>",
			Short: "Block a peer and drop its channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.manager.Block(args[0])
			},
		},
		&cobra.Command{
			Use:   "unblock <peer-uuid>",
			Short: "Clear a peer's block",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.manager.Unblock(args[0])
			},
		},
		&cobra.Command{
			Use:   "select <peer-uuid>",
			Short: "Keep a channel open to a peer whenever it is online",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := rt.registry.SetSelected(args[0], true)
				return err
			},
		},
		&cobra.Command{
			Use:   "deselect <peer-uuid>",
			Short: "Stop connecting to a peer automatically",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := rt.registry.SetSelected(args[0], false)
				return err
			},
		},
		&cobra.Command{
			Use:   "disconnect <peer-uuid>",
			Short: "Close the channel to a peer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.manager.Disconnect(args[0])
			},
		},
		&cobra.Command{
			Use:   "camera <peer-uuid> <command> [data]",
			Short: "Send a camera command (startTake, endTake, changeMode, toggleExposureLock, screenshot, makeProxy)",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				request := network.CameraRequest{Command: network.CameraCommand(args[1])}
				if len(args) == 3 {
					request.DataUUID = args[2]
				}
				reqCtx, cancel := requestCtx()
				defer cancel()
				response, err := rt.manager.Camera(reqCtx, args[0], request)
				if err != nil {
					return err
				}
				if !response.Success {
					return fmt.Errorf("%s refused: %s", request.Command, response.Error)
				}
				c.printf("%s ok %s\n", request.Command, response.Data)
				return nil
			},
		},
		&cobra.Command{
			Use:   "projects <peer-uuid>",
			Short: "List a peer's projects",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				response, err := c.project(requestCtx, args[0], network.ProjectRequest{Command: network.ProjectList})
				if err != nil {
					return err
				}
				for _, project := range response.Projects {
					c.printf("%s\t%d takes\n", project.ID, project.TakeCount)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "takes <peer-uuid> <project>",
			Short: "List the takes of a peer's project",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				response, err := c.project(requestCtx, args[0], network.ProjectRequest{Command: network.ProjectListTakes, ProjectID: args[1]})
				if err != nil {
					return err
				}
				for _, take := range response.Takes {
					c.printf("%s\t%s\n", take.ID, strings.Join(take.Files, " "))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete-take <peer-uuid> <project> <take>",
			Short: "Delete a take on a peer",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := c.project(requestCtx, args[0], network.ProjectRequest{Command: network.ProjectDeleteTake, ProjectID: args[1], TakeID: args[2]})
				return err
			},
		},
		&cobra.Command{
			Use:   "pull <peer-uuid> <project> <take> <file>",
			Short: "Queue a media file download",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				peerUUID, project, take, file := args[0], args[1], args[2], args[3]
				destination := filepath.Join(rt.cfg.DownloadsDir, peerUUID, project, take, filepath.Base(file))
				descriptor := network.MediaTransferChunk{ProjectUUID: project, TakeUUID: take, File: file}
				id, err := rt.queue.Start(peerUUID, descriptor, destination, func(ok bool) {
					if ok {
						c.printf("pull of %s complete: %s\n", file, destination)
					} else {
						c.printf("pull of %s failed\n", file)
					}
				})
				if err != nil {
					return err
				}
				c.printf("queued %s\n", id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "cancel <transfer-id>",
			Short: "Cancel a queued or active pull",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.queue.Cancel(args[0])
			},
		},
		&cobra.Command{
			Use:   "transfers",
			Short: "Show the transfer queue and recent history",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, session := range rt.queue.Sessions() {
					state := "queued"
					if session.Active {
						state = "active"
					}
					c.printf("%s %s %s chunk %d, %d bytes\n", state, session.TransferID, session.Descriptor.File, session.NextIndex, session.BytesTransferred)
				}
				history, err := rt.store.ListTransfers("", 10)
				if err != nil {
					return err
				}
				c.mu.Lock()
				defer c.mu.Unlock()
				printTransfers(c.out, history)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status <key=value>...",
			Short: "Publish a status update to subscribed peers",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				elements := make([]network.StatusElement, 0, len(args))
				for _, arg := range args {
					key, value, ok := strings.Cut(arg, "=")
					if !ok || key == "" {
						return fmt.Errorf("expected key=value, got %q", arg)
					}
					elements = append(elements, network.StatusElement{Key: key, Value: value})
				}
				rt.manager.PublishStatus(elements)
				return nil
			},
		},
		&cobra.Command{
			Use:     "quit",
			Aliases: []string{"exit"},
			Short:   "Stop the node",
			Args:    cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				*quit = true
			},
		},
	)
	return root
}

func (c *console) project(requestCtx func() (context.Context, context.CancelFunc), peerUUID string, request network.ProjectRequest) (network.ProjectResponse, error) {
	ctx, cancel := requestCtx()
	defer cancel()
	response, err := c.rt.manager.Project(ctx, peerUUID, request)
	if err != nil {
		return response, err
	}
	if !response.Success {
		return response, fmt.Errorf("%s refused: %s", request.Command, response.Error)
	}
	return response, nil
}

// resolve finds a dialable address for a peer from discovery, then the registry.
func (c *console) resolve(peerUUID string) string {
	if c.rt.discovery != nil {
		if peer, ok := c.rt.discovery.Scanner.Lookup(peerUUID); ok {
			if endpoint, ok := peer.Endpoint(); ok {
				return endpoint
			}
		}
	}
	record, ok := c.rt.registry.Get(peerUUID)
	if !ok || !hasEndpoint(record) {
		return ""
	}
	return net.JoinHostPort(record.LastKnownIP, strconv.Itoa(record.LastKnownPort))
}

func hasEndpoint(record registry.Record) bool {
	return record.LastKnownIP != "" && record.LastKnownPort > 0
}
