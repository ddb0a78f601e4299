package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"camlink/network"
	"camlink/transfer"
)

const defaultProject = "default"

// localCamera answers camera commands for a node without capture hardware. It keeps
// take state, lays takes out in the media library, and publishes status to subscribers.
type localCamera struct {
	library *transfer.Library
	log     logging.LeveledLogger

	mu             sync.Mutex
	publish        func([]network.StatusElement)
	recording      bool
	project        string
	take           string
	mode           string
	exposureLocked bool
	takeStarted    time.Time
}

func newLocalCamera(library *transfer.Library, loggers logging.LoggerFactory) *localCamera {
	return &localCamera{
		library: library,
		log:     loggers.NewLogger("camera"),
		project: defaultProject,
		mode:    "video",
	}
}

func (c *localCamera) attach(manager *network.Manager) {
	c.mu.Lock()
	c.publish = manager.PublishStatus
	c.mu.Unlock()
}

func (c *localCamera) HandleCamera(_ context.Context, peerUUID string, request network.CameraRequest) network.CameraResponse {
	response, changed := c.apply(peerUUID, request)
	if changed {
		c.publishStatus()
	}
	return response
}

func (c *localCamera) apply(peerUUID string, request network.CameraRequest) (network.CameraResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fail := func(format string, args ...any) (network.CameraResponse, bool) {
		return network.CameraResponse{Error: fmt.Sprintf(format, args...)}, false
	}

	switch request.Command {
	case network.CameraStartTake:
		if c.recording {
			return fail("take %s/%s already running", c.project, c.take)
		}
		project, take := c.project, uuid.NewString()
		if request.DataUUID != "" {
			if p, t, ok := strings.Cut(request.DataUUID, "/"); ok {
				project, take = p, t
			} else {
				take = request.DataUUID
			}
		}
		if _, err := c.library.CreateTake(project, take); err != nil {
			return fail("%v", err)
		}
		c.recording = true
		c.project, c.take = project, take
		c.takeStarted = time.Now()
		c.log.Infof("%s started take %s/%s", peerUUID, project, take)
		return network.CameraResponse{Success: true, Data: []byte(project + "/" + take)}, true

	case network.CameraEndTake:
		if !c.recording {
			return fail("no take running")
		}
		c.recording = false
		c.log.Infof("%s ended take %s/%s after %s", peerUUID, c.project, c.take, time.Since(c.takeStarted).Round(time.Second))
		return network.CameraResponse{Success: true, Data: []byte(c.project + "/" + c.take)}, true

	case network.CameraToggleExposureLock:
		c.exposureLocked = !c.exposureLocked
		return network.CameraResponse{Success: true, Data: []byte(strconv.FormatBool(c.exposureLocked))}, true

	case network.CameraChangeMode:
		if request.DataUUID == "" {
			return fail("mode is required")
		}
		c.mode = request.DataUUID
		return network.CameraResponse{Success: true, Data: []byte(c.mode)}, true

	case network.CameraScreenshot:
		// No preview source; an empty frame still confirms the channel round trip.
		return network.CameraResponse{Success: true}, false

	default:
		return fail("unsupported command %q", request.Command)
	}
}

func (c *localCamera) status() []network.StatusElement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []network.StatusElement{
		{Key: "recording", Value: strconv.FormatBool(c.recording)},
		{Key: "take", Value: c.project + "/" + c.take},
		{Key: "mode", Value: c.mode},
		{Key: "exposure_lock", Value: strconv.FormatBool(c.exposureLocked)},
	}
}

func (c *localCamera) publishStatus() {
	c.mu.Lock()
	publish := c.publish
	c.mu.Unlock()
	if publish != nil {
		publish(c.status())
	}
}
