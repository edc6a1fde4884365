package events

import (
	"context"
	"encoding/json"

	xerrors "PerpAgent/internal/errors"
)

// Envelope 是所有异步事件的统一外壳。
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Handler 处理一条序列化后的事件。
type Handler func(ctx context.Context, raw string) error

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, raw string) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Emitter 把业务事件编码为 Envelope 再投递。各业务包通过它
// 发事件，不直接接触队列驱动。
type Emitter struct {
	producer Producer
}

// NewEmitter 创建事件发射器。
func NewEmitter(producer Producer) *Emitter {
	return &Emitter{producer: producer}
}

// Publish 编码并投递一个事件。
func (e *Emitter) Publish(ctx context.Context, kind string, payload any) error {
	if e == nil || e.producer == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码事件内容失败")
	}
	raw, err := json.Marshal(Envelope{Kind: kind, Payload: body})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码事件外壳失败")
	}
	return e.producer.Publish(ctx, string(raw))
}
