package ccapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	pollPath = "/ccapi/ver110/event/polling?timeout=long"

	// The vendor long-poll expires around 30s; allow 5s of slack
	maxPollTimeout = 35 * time.Second

	// Heartbeat events arrive promptly; avoid tight-looping on them
	heartbeatSleep = 50 * time.Millisecond

	// A cancelled polling session lingers briefly on the camera side
	alreadyStartedRetry = 100 * time.Millisecond
)

// eventKind classifies a vendor event-polling response
type eventKind int

const (
	eventIgnored eventKind = iota
	eventHeartbeat
	eventAddedContents
	eventSettingsChanged
	eventStorageChanged
)

// cameraEvent is the tagged view of one polling response. Unknown keys
// fall into eventIgnored for forward compatibility.
type cameraEvent struct {
	Kind          eventKind
	AddedContents []string
}

// parsePollResponse maps the raw polling body onto a tagged event
func parsePollResponse(data []byte) cameraEvent {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cameraEvent{Kind: eventIgnored}
	}
	if len(raw) == 0 {
		return cameraEvent{Kind: eventHeartbeat}
	}

	if contents, ok := raw["addedcontents"]; ok {
		var paths []string
		if err := json.Unmarshal(contents, &paths); err == nil && len(paths) > 0 {
			return cameraEvent{Kind: eventAddedContents, AddedContents: paths}
		}
	}

	for key := range raw {
		switch {
		case strings.Contains(key, "settings"):
			return cameraEvent{Kind: eventSettingsChanged}
		case strings.Contains(key, "storage"):
			return cameraEvent{Kind: eventStorageChanged}
		}
	}

	// Battery ticks and other chatter count as heartbeats for the waiter
	return cameraEvent{Kind: eventHeartbeat}
}

// WaitForPhoto blocks until the camera reports a new content item or the
// deadline passes, and returns the item's vendor path. Callers MUST
// start the waiter before pressing the shutter: addedcontents can fire
// within ~640ms of the press.
//
// Long-polls bypass the FIFO request queue and run on scratch sockets,
// each destroyed after one use, so socket state never accumulates on
// the camera. Cancellation through ctx is idempotent and resolves
// within 100ms.
func (c *Coordinator) WaitForPhoto(ctx context.Context, deadline time.Time) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", &TimeoutError{Op: "event polling", Deadline: deadline}
		}

		timeout := remaining
		if timeout > maxPollTimeout {
			timeout = maxPollTimeout
		}

		data, err := c.pollOnce(ctx, timeout)
		if err != nil {
			switch e := err.(type) {
			case *TimeoutError:
				// The vendor uses client timeouts as long-poll expiry
				continue
			case *APIError:
				if strings.Contains(e.Message, "Already started") {
					// Previous polling session not yet torn down
					if err := sleepCtx(ctx, alreadyStartedRetry); err != nil {
						return "", err
					}
					continue
				}
				return "", err
			case *DisconnectedError:
				c.markDisconnected(err)
				return "", err
			default:
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", err
			}
		}

		event := parsePollResponse(data)
		if event.Kind == eventAddedContents {
			return pickCapturedFile(event.AddedContents), nil
		}

		if err := sleepCtx(ctx, heartbeatSleep); err != nil {
			return "", err
		}
	}
}

// pollOnce runs one long-poll on a dedicated scratch socket
func (c *Coordinator) pollOnce(ctx context.Context, timeout time.Duration) ([]byte, error) {
	transport := &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.client.BaseURL()+pollPath, nil)
	if err != nil {
		return nil, &TransientError{Op: "event polling", Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError("event polling", ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DisconnectedError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    vendorMessage(data),
		}
	}
	return data, nil
}

// pickCapturedFile classifies added files by extension: prefer JPEG,
// fall back to RAW, else take the first element
func pickCapturedFile(paths []string) string {
	var raw string
	for _, p := range paths {
		switch strings.ToLower(path.Ext(p)) {
		case ".jpg", ".jpeg":
			return p
		case ".cr3", ".cr2", ".raw":
			if raw == "" {
				raw = p
			}
		}
	}
	if raw != "" {
		return raw
	}
	return paths[0]
}
