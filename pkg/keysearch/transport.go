package keysearch

import "context"

// Envelope is an inbound message together with the role that sent it.
type Envelope struct {
	From    RoleID
	Payload []byte
}

// Transport captures the messaging contract between the orchestrator and the
// workers.
//
// Concurrency: Implementations MUST be safe for concurrent use. A worker sends
// from its main goroutine while a pump goroutine blocks in Receive.
//
// Delivery: Messages from one sender to one receiver arrive in send order. A
// non-nil error from Send means the message was not delivered; the
// orchestrator relies on this to re-queue undelivered blocks.
//
// Draining: Receive MUST return a message that is already queued even when ctx
// is done. Callers drain their inbox without blocking by passing a cancelled
// context; Receive returns ctx.Err() only once nothing is queued.
type Transport interface {
	Send(ctx context.Context, to RoleID, msg []byte) error
	Receive(ctx context.Context) (Envelope, error)
}

// SendMessage encodes m and sends it to the given role.
func SendMessage(ctx context.Context, t Transport, to RoleID, m Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return t.Send(ctx, to, b)
}
