// Package natsbridge exposes the execution core on a NATS queue subject, so
// other services can request runs with a plain request/reply.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/sandbox"
)

// Runner executes submissions. *sandbox.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, sub sandbox.Submission) (*sandbox.Result, error)
}

// Request is the message body published on the run subject.
type Request struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	User     string `json:"user"`
}

// ErrorReply is sent instead of a result when the run could not happen.
type ErrorReply struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type Bridge struct {
	runner Runner
	log    *zap.Logger
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(runner Runner, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{runner: runner, log: log.Named("nats"), ctx: ctx, cancel: cancel}
}

// Subscribe joins queue on subject. Members of the same queue share the load.
func (b *Bridge) Subscribe(nc *nats.Conn, subject, queue string) error {
	sub, err := nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			reply := b.handle(b.ctx, msg.Data)
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				b.log.Warn("failed to send reply", zap.String("subject", msg.Subject), zap.Error(err))
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.sub = sub
	b.log.Info("listening for run requests", zap.String("subject", subject), zap.String("queue", queue))
	return nil
}

// Close stops taking new requests and waits for in-flight runs to reply.
func (b *Bridge) Close() error {
	var err error
	if b.sub != nil {
		err = b.sub.Unsubscribe()
	}
	b.wg.Wait()
	b.cancel()
	return err
}

func (b *Bridge) handle(ctx context.Context, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply(fmt.Errorf("%w: malformed request: %v", sandbox.ErrValidation, err))
	}

	res, err := b.runner.Run(ctx, sandbox.Submission{Code: req.Code, Language: req.Language, User: req.User})
	if err != nil {
		if errorKind(err) == "infrastructure" {
			b.log.Error("run failed", zap.String("user", req.User), zap.Error(err))
		}
		return errorReply(err)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return errorReply(err)
	}
	return out
}

func errorReply(err error) []byte {
	kind := errorKind(err)
	msg := err.Error()
	if kind == "infrastructure" {
		msg = "execution infrastructure failure"
	}
	out, _ := json.Marshal(ErrorReply{Error: msg, Kind: kind})
	return out
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrSourceTooLarge):
		return "source_too_large"
	case errors.Is(err, sandbox.ErrValidation):
		return "validation"
	case errors.Is(err, sandbox.ErrBusy):
		return "busy"
	case errors.Is(err, sandbox.ErrBackendUnavailable):
		return "unavailable"
	}
	return "infrastructure"
}
