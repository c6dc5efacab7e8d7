// Package notification implements the user-notification providers. The web
// provider keeps an in-process inbox served through the HTTP API.
package notification

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"opd/internal/capability"
)

const defaultMaxPerUser = 200

// WebProvider stores notifications in memory, newest first, capped per
// user. Restart loses the inbox; that is acceptable for a single-node tool.
type WebProvider struct {
	config map[string]string
	max    int

	mu    sync.Mutex
	inbox map[string][]capability.Notification
}

// NewWebProvider builds the provider from its config map. Keys:
// max_per_user (optional).
func NewWebProvider(config map[string]string) capability.Provider {
	return &WebProvider{config: config}
}

func (p *WebProvider) Initialize(ctx context.Context) error {
	p.max = defaultMaxPerUser
	if raw := p.config["max_per_user"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			p.max = n
		}
	}
	p.inbox = make(map[string][]capability.Notification)
	return nil
}

func (p *WebProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	p.inbox = make(map[string][]capability.Notification)
	p.mu.Unlock()
	return nil
}

func (p *WebProvider) HealthCheck(ctx context.Context) capability.HealthStatus {
	return capability.HealthStatus{Healthy: true, CheckedAt: time.Now()}
}

func (p *WebProvider) Config() map[string]string { return p.config }

func (p *WebProvider) Schema() []capability.SchemaField {
	return []capability.SchemaField{
		{Name: "max_per_user", Label: "Max Notifications Per User", Type: capability.FieldText,
			Default: strconv.Itoa(defaultMaxPerUser)},
	}
}

func (p *WebProvider) Notify(ctx context.Context, userID, event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.append(userID, event)
	return nil
}

func (p *WebProvider) NotifyBatch(ctx context.Context, userIDs []string, event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range userIDs {
		p.append(id, event)
	}
	return nil
}

func (p *WebProvider) GetNotifications(ctx context.Context, userID string) ([]capability.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.inbox[userID]
	out := make([]capability.Notification, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (p *WebProvider) MarkRead(ctx context.Context, userID, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.inbox[userID] {
		if p.inbox[userID][i].ID == id {
			p.inbox[userID][i].Read = true
			return nil
		}
	}
	return nil
}

func (p *WebProvider) MarkAllRead(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.inbox[userID] {
		p.inbox[userID][i].Read = true
	}
	return nil
}

func (p *WebProvider) append(userID, event string) {
	list := append(p.inbox[userID], capability.Notification{
		ID: uuid.NewString(), UserID: userID, Event: event, CreatedAt: time.Now().UTC(),
	})
	if len(list) > p.max {
		list = list[len(list)-p.max:]
	}
	p.inbox[userID] = list
}
