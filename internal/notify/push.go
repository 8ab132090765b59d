package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/city-dispatch/internal/models"
)

// Pusher delivers one notification to one registered device.
type Pusher interface {
	Push(ctx context.Context, device *models.Device, n *models.Notification) error
}

// PushClient posts JSON to an FCM HTTPv1 style endpoint using a server key
// or oauth token.
type PushClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushClient(endpoint, key string) *PushClient {
	return &PushClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushClient) Push(ctx context.Context, device *models.Device, n *models.Notification) error {
	data := map[string]any{
		"notification_id": n.ID,
		"type":            n.Type,
		"title":           n.Title,
		"body":            n.Body,
	}
	if n.Priority != "" {
		data["priority"] = n.Priority
	}
	for k, v := range n.Data {
		data[k] = v
	}
	body := map[string]any{"message": map[string]any{
		"token":    device.Token,
		"platform": device.Platform,
		"data":     data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("push endpoint returned %s", resp.Status)
	}
	return nil
}
