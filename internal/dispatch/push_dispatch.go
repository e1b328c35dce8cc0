package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushSender posts notifications to an external push gateway, used as
// the fallback when the target has no live WebSocket session.
type PushSender struct {
	Endpoint string
	Client   *http.Client
}

func NewPushSender(endpoint string) *PushSender {
	return &PushSender{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushSender) Notify(targetID string, payload any) error {
	body, err := json.Marshal(map[string]any{"target_id": targetID, "payload": payload})
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
