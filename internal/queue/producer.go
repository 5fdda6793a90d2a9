package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"localbeat/internal/domain"
)

// Payload is the JSON body stored with every dispatched task.
type Payload struct {
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Headers Headers        `json:"headers,omitempty"`
}

// Headers carry routing hints the queue itself does not act on.
type Headers struct {
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// DecodePayload parses a task payload. An empty payload decodes to no
// arguments.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Producer enqueues scheduler invocations. It does not wait for execution.
type Producer struct {
	repo         Repository
	defaultQueue string
}

func NewProducer(repo Repository, defaultQueue string) *Producer {
	if defaultQueue == "" {
		defaultQueue = DefaultQueue
	}
	return &Producer{repo: repo, defaultQueue: defaultQueue}
}

func (p *Producer) Submit(ctx context.Context, inv domain.Invocation) error {
	_, err := p.Enqueue(ctx, inv)
	return err
}

// Enqueue is Submit returning the queued task id.
func (p *Producer) Enqueue(ctx context.Context, inv domain.Invocation) (string, error) {
	body, err := json.Marshal(Payload{
		Args:   inv.Args,
		Kwargs: inv.Kwargs,
		Headers: Headers{
			Exchange:   inv.Options.Exchange,
			RoutingKey: inv.Options.RoutingKey,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", inv.Task, err)
	}
	q := inv.Options.Queue
	if q == "" {
		q = p.defaultQueue
	}
	return p.repo.Enqueue(ctx, domain.Task{
		Type:              inv.Task,
		Payload:           body,
		Queue:             q,
		VisibilityTimeout: inv.Options.SoftTimeLimit,
		ExpiresAt:         inv.Options.Expires,
	})
}

// Bind decodes the keyword arguments into v, which is usually a handler's
// request struct.
func (p Payload) Bind(v any) error {
	raw, err := json.Marshal(p.Kwargs)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("bind kwargs: %w", err)
	}
	return nil
}
