package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"casematch/internal/config"
	"casematch/internal/domain"
	"casematch/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// notifier tails the event log and fans events out to the configured
// channels. Each channel keeps its own cursor so a slow webhook does not
// hold back the others.
type notifier struct {
	engine   engine.Engine
	channels []config.NotificationConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartNotifier launches the background event dispatcher for the engine's
// configured channels. Safe to call with no channels configured.
func StartNotifier(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifications) == 0 {
		return
	}
	n := &notifier{
		engine:   e,
		channels: e.Config.Notifications,
		client:   &http.Client{Timeout: defaultNotifyTimeout},
		cursors:  make(map[int]int64),
	}
	go n.run()
}

func (n *notifier) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll()
		<-ticker.C
	}
}

func (n *notifier) dispatchAll() {
	for i, ch := range n.channels {
		if ch.Enabled != nil && !*ch.Enabled {
			continue
		}
		if ch.Type == "webhook" && strings.TrimSpace(ch.URL) == "" {
			continue
		}
		n.dispatchChannel(i, ch)
	}
}

func (n *notifier) dispatchChannel(idx int, ch config.NotificationConfig) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	events, err := n.engine.Repo.EventsAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(ch.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.deliver(ctx, ch, evt); err != nil {
			log.Printf("notify: deliver %s event %d failed: %v", ch.Type, evt.ID, err)
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

func (n *notifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notifyEvent struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	CaseID        string          `json:"case_id,omitempty"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      string          `json:"entity_id,omitempty"`
	ActorID       string          `json:"actor_id"`
	RecipientRole string          `json:"recipient_role,omitempty"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
	PayloadRaw    string          `json:"payload_raw,omitempty"`
}

func (n *notifier) deliver(ctx context.Context, ch config.NotificationConfig, evt domain.Event) error {
	if ch.Type == "log" {
		log.Printf("event %d %s case=%s entity=%s/%s actor=%s", evt.ID, evt.Type, evt.CaseID, evt.EntityKind, evt.EntityID, evt.ActorID)
		return nil
	}
	return n.post(ctx, ch, evt)
}

func (n *notifier) post(ctx context.Context, ch config.NotificationConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := notifyEvent{
		ID:            evt.ID,
		Type:          evt.Type,
		CaseID:        evt.CaseID,
		EntityKind:    evt.EntityKind,
		EntityID:      evt.EntityID,
		ActorID:       evt.ActorID,
		RecipientRole: evt.RecipientRole,
		TS:            evt.TS,
		Payload:       payload,
		PayloadRaw:    raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if ch.TimeoutSeconds > 0 {
		timeout = time.Duration(ch.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Casematch-Event", evt.Type)
	req.Header.Set("X-Casematch-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(ch.Secret) != "" {
		req.Header.Set("X-Casematch-Secret", ch.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
