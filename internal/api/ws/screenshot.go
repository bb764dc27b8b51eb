// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/session"
)

// tapSettleDelay gives the UI a moment to update before the implicit
// refresh that follows a tap.
const tapSettleDelay = 100 * time.Millisecond

// screenshotMsg is the frozen screenshot wire shape.
type screenshotMsg struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	PixelWidth  int    `json:"pixel_width"`
	PixelHeight int    `json:"pixel_height"`
	PointWidth  int    `json:"point_width"`
	PointHeight int    `json:"point_height"`
	Format      string `json:"format"`
}

// Screenshot handles /ws/{session}/screenshot: a pull-model still-image
// channel. One unsolicited screenshot goes out on connect.
func (e *Endpoints) Screenshot(w http.ResponseWriter, r *http.Request) {
	a, ok := e.accept(w, r, connection.KindScreenshot)
	if !ok {
		return
	}
	defer a.release()

	if err := e.sendScreenshot(r.Context(), a); err != nil {
		a.conn.writeError(err)
	}

	for {
		_, payload, err := a.conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			T string `json:"t"`
			X int    `json:"x"`
			Y int    `json:"y"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			a.conn.writeError(apperr.E(apperr.KindProtocol, "malformed screenshot message", err))
			continue
		}
		switch msg.T {
		case "refresh":
			if err := e.sendScreenshot(r.Context(), a); err != nil {
				a.conn.writeError(err)
			}
		case "tap":
			err := e.dispatchControl(r.Context(), a.sess.UDID, controlMessage{T: "tap", X: msg.X, Y: msg.Y})
			if err != nil {
				a.conn.writeError(err)
				continue
			}
			time.Sleep(tapSettleDelay)
			if err := e.sendScreenshot(r.Context(), a); err != nil {
				a.conn.writeError(err)
			}
		default:
			a.conn.writeError(apperr.Errorf(apperr.KindProtocol, "unknown screenshot message type %q", msg.T))
		}
	}
}

func (e *Endpoints) sendScreenshot(ctx context.Context, a *accepted) error {
	data, err := e.driver.Screenshot(ctx, a.sess.UDID, "jpeg")
	if err != nil {
		return err
	}
	return a.conn.WriteJSON(screenshotMessage(a.sess, data))
}

func screenshotMessage(sess *session.Session, jpeg []byte) screenshotMsg {
	return screenshotMsg{
		Type:        "screenshot",
		Data:        base64.StdEncoding.EncodeToString(jpeg),
		PixelWidth:  sess.PixelWidth,
		PixelHeight: sess.PixelHeight,
		PointWidth:  sess.PointWidth,
		PointHeight: sess.PointHeight,
		Format:      "jpeg",
	}
}
