package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fathima-sithara/groupsync/internal/conversation"
	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/metrics"
	"github.com/fathima-sithara/groupsync/internal/models"
)

const sendQueueDepth = 16

type sendRequest struct {
	groupID string
	content string
	tempID  string
	handle  *conversation.Pending
	result  chan error
}

// Send validates the content, applies the optimistic insert, performs
// the durable write and reconciles. Writes for the same group are
// strictly sequential: a second Send queues behind the one in flight so
// confirmations land in submission order.
//
// On failure the optimistic entry is rolled back and a SendFailedError
// is returned; the caller keeps the input text. Cancelling ctx only
// abandons the wait, the write itself still reconciles the cache.
func (e *Engine) Send(ctx context.Context, groupID, content string) error {
	if strings.TrimSpace(content) == "" {
		return errs.ErrInvalidMessage
	}
	if groupID == "" {
		return errs.ErrInvalidMessage
	}
	req := &sendRequest{
		groupID: groupID,
		content: content,
		result:  make(chan error, 1),
	}
	if !e.post(sendCmd{req: req}) {
		return errs.ErrEngineClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return errs.ErrEngineClosed
	}
}

func (e *Engine) handleSend(req *sendRequest) {
	req.tempID = "temp-" + uuid.NewString()
	optimistic := models.Message{
		ID:        req.tempID,
		GroupID:   req.groupID,
		SenderID:  e.userID,
		Content:   req.content,
		CreatedAt: time.Now().UTC(),
	}
	req.handle = e.cache.AppendOptimistic(req.groupID, optimistic)
	e.notify(Notification{Type: NotifyMessage, GroupID: req.groupID, Message: &optimistic})

	q := e.queues[req.groupID]
	if q == nil {
		q = make(chan *sendRequest, sendQueueDepth)
		e.queues[req.groupID] = q
		e.wg.Add(1)
		go e.sendWorker(q)
	}
	select {
	case q <- req:
	default:
		_ = req.handle.Revert()
		metrics.Sends.WithLabelValues("rejected").Inc()
		req.result <- errs.SendFailed(req.groupID, errors.New("send queue full"))
	}
}

func (e *Engine) sendWorker(q chan *sendRequest) {
	defer e.wg.Done()
	for {
		select {
		case <-e.closed:
			e.drainQueue(q)
			return
		case req := <-q:
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.FetchTimeout)
			msg, err := e.repo.InsertMessage(ctx, req.groupID, e.userID, req.content)
			cancel()
			if !e.post(writeDone{req: req, msg: msg, err: err}) {
				req.result <- errs.ErrEngineClosed
				return
			}
		}
	}
}

func (e *Engine) drainQueue(q chan *sendRequest) {
	for {
		select {
		case req := <-q:
			req.result <- errs.ErrEngineClosed
		default:
			return
		}
	}
}

func (e *Engine) handleWriteDone(ev writeDone) {
	req := ev.req
	if ev.err != nil {
		if rerr := req.handle.Revert(); rerr != nil {
			e.log.Warnw("revert optimistic entry", "group", req.groupID, "err", rerr)
		}
		metrics.Sends.WithLabelValues("failed").Inc()
		failure := errs.SendFailed(req.groupID, ev.err)
		e.notify(Notification{Type: NotifySendFailed, GroupID: req.groupID, Err: failure})
		req.result <- failure
		return
	}

	if cerr := req.handle.Confirm(*ev.msg); cerr != nil {
		e.log.Warnw("confirm optimistic entry", "group", req.groupID, "err", cerr)
	}
	metrics.Sends.WithLabelValues("ok").Inc()
	e.notify(Notification{Type: NotifyMessageConfirmed, GroupID: req.groupID, Message: ev.msg})
	if e.publisher != nil {
		msg := *ev.msg
		go e.publisher.PublishConfirmed(context.Background(), msg)
	}
	req.result <- nil
}
