package ccapi

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const datetimePath = "/ccapi/ver100/functions/datetime"

// CCAPI carries camera time as RFC1123 with a numeric zone
const datetimeLayout = time.RFC1123Z

// CameraTime reads the camera's current clock
func (c *Coordinator) CameraTime(ctx context.Context) (time.Time, error) {
	if !c.Connected() {
		return time.Time{}, ErrNotConnected
	}

	var body struct {
		DateTime string `json:"datetime"`
		DST      bool   `json:"dst"`
	}
	if err := c.client.GetJSON(ctx, datetimePath, &body); err != nil {
		c.noteRequestError(err)
		return time.Time{}, err
	}

	t, err := time.Parse(datetimeLayout, body.DateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse camera datetime %q: %w", body.DateTime, err)
	}
	return t, nil
}

// SetCameraTime pushes a new clock value to the camera
func (c *Coordinator) SetCameraTime(ctx context.Context, t time.Time) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	body := map[string]interface{}{
		"datetime": t.Format(datetimeLayout),
		"dst":      false,
	}
	_, err := c.client.Do(ctx, http.MethodPut, datetimePath, body, RequestOptions{})
	if err != nil {
		c.noteRequestError(err)
	}
	return err
}
