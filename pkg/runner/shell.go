package runner

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/containers"
)

const (
	shellLifetime    = 24 * time.Hour
	shellCPULimit    = 0.5
	shellMemoryBytes = 512 << 20
	shellHeartbeat   = 30 * time.Second
	shellAuthWindow  = 10 * time.Second
)

// ShellSpec is everything needed to open an interactive shell against a
// live deployment: its image, env, and network, plus the container name
// the session runs under.
type ShellSpec struct {
	Name     string
	Image    string
	Env      map[string]string
	Networks []string
}

// shellControl is the JSON shape of every text frame on the shell socket:
// the initial {token}, then {type:"resize",rows,cols} / {type:"pong"}
// from the client and {type:"ping"} / {type:"exit",code} from the server.
type shellControl struct {
	Type  string `json:"type,omitempty"`
	Token string `json:"token,omitempty"`
	Rows  uint   `json:"rows,omitempty"`
	Cols  uint   `json:"cols,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// RunShell owns one interactive shell websocket: authenticate the first
// frame, spawn the session container with hard resource caps, bridge
// binary frames to the shell's stdio, honor resize/pong control frames,
// heartbeat every 30 seconds, and send an exit frame before closing. The
// container is always removed when the socket goes away.
func RunShell(ctx context.Context, driver containers.Driver, conn *websocket.Conn, authenticate func(token string) error, spec ShellSpec, log *logrus.Entry) error {
	conn.SetReadDeadline(time.Now().Add(shellAuthWindow))
	var auth shellControl
	if err := conn.ReadJSON(&auth); err != nil {
		return err
	}
	if err := authenticate(auth.Token); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), time.Now().Add(time.Second))
		return err
	}
	conn.SetReadDeadline(time.Time{})

	full := containers.EphemeralSpec{
		Name:      spec.Name,
		Image:     spec.Image,
		Command:   []string{"/bin/sh", "-c", "sleep 86400"},
		Env:       spec.Env,
		Networks:  spec.Networks,
		TTY:       true,
		CPULimit:  shellCPULimit,
		MemoryB:   shellMemoryBytes,
		LogDriver: "none",
	}
	containerID, err := SpawnWithTTL(ctx, driver, full, "shell", shellLifetime)
	if err != nil {
		return err
	}
	defer driver.RemoveContainer(context.WithoutCancel(ctx), containerID, true)

	if err := driver.StartContainer(ctx, containerID); err != nil {
		return err
	}

	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	out := &wsWriter{conn: conn}

	sess, err := driver.StartExec(ctx, containerID, []string{"/bin/sh"}, true, stdinR, out)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer stdinR.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if _, err := stdinW.Write(data); err != nil {
					return
				}
			case websocket.TextMessage:
				var ctrl shellControl
				if err := json.Unmarshal(data, &ctrl); err != nil {
					continue
				}
				if ctrl.Type == "resize" && ctrl.Rows > 0 && ctrl.Cols > 0 {
					if err := sess.Resize(sessCtx, ctrl.Rows, ctrl.Cols); err != nil {
						log.WithError(err).Debug("resize failed")
					}
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(shellHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteJSON(shellControl{Type: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	exitCode, err := sess.Wait(sessCtx)
	if err != nil {
		log.WithError(err).Warn("shell session ended with error")
		return err
	}
	conn.WriteJSON(shellControl{Type: "exit", Code: exitCode})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	log.WithField("exitCode", exitCode).Info("shell session ended")
	return nil
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(b []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}
