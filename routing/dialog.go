package routing

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
)

// DefaultDialogIdleTimeout is the time a dialog without in-dialog requests is kept.
const DefaultDialogIdleTimeout = time.Hour

// DialogState is the state of a [Dialog].
type DialogState string

const (
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateTerminated DialogState = "terminated"
)

// DialogID identifies a dialog from the caller's point of view.
type DialogID struct {
	CallID    string
	CallerTag string
	CalleeTag string
}

func (id DialogID) String() string {
	return id.CallID + "|" + id.CallerTag + "|" + id.CalleeTag
}

// LogValue implements [slog.LogValuer].
func (id DialogID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("caller_tag", id.CallerTag),
		slog.String("callee_tag", id.CalleeTag),
	)
}

// Dialog is a dialog established by an INVITE passing through the proxy.
type Dialog struct {
	ID    DialogID
	State DialogState
	// CallerCSeq and CalleeCSeq are the highest CSeq numbers seen from each side.
	// Zero means no request was seen from that side yet.
	CallerCSeq uint32
	CalleeCSeq uint32
	// RouteSet is the Record-Route set of the response that created or confirmed the dialog.
	RouteSet  []string
	CreatedAt time.Time
	UpdatedAt time.Time

	idle *timeutil.Handle
}

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("id", d.ID),
		slog.String("state", string(d.State)),
		slog.Uint64("caller_cseq", uint64(d.CallerCSeq)),
		slog.Uint64("callee_cseq", uint64(d.CalleeCSeq)),
	)
}

// DialogOptions are the options of a [DialogTable].
type DialogOptions struct {
	// IdleTimeout is the lifetime of a dialog after its last activity.
	// If zero, [DefaultDialogIdleTimeout] is used.
	IdleTimeout time.Duration
	// Scheduler arms the idle timers.
	// If nil, a real time scheduler running callbacks on the clock goroutine is used.
	Scheduler *timeutil.Scheduler
	Events    event.Sink
	Log       *slog.Logger
}

// DialogTable tracks dialogs by Call-ID and tags.
type DialogTable struct {
	dialogs map[DialogID]*Dialog
	idle    time.Duration
	sched   *timeutil.Scheduler
	events  event.Sink
	log     *slog.Logger
}

// NewDialogTable creates an empty dialog table.
func NewDialogTable(opts *DialogOptions) *DialogTable {
	var o DialogOptions
	if opts != nil {
		o = *opts
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultDialogIdleTimeout
	}
	if o.Scheduler == nil {
		o.Scheduler = timeutil.NewScheduler(nil, nil)
	}
	if o.Log == nil {
		o.Log = log.Default()
	}
	return &DialogTable{
		dialogs: make(map[DialogID]*Dialog),
		idle:    o.IdleTimeout,
		sched:   o.Scheduler,
		events:  event.OrDiscard(o.Events),
		log:     o.Log,
	}
}

// Len returns the number of live dialogs.
func (t *DialogTable) Len() int { return len(t.dialogs) }

// Get returns the dialog with the ID.
func (t *DialogTable) Get(id DialogID) (*Dialog, bool) {
	d, ok := t.dialogs[id]
	return d, ok
}

// Match returns the dialog of an in-dialog request sent by either side.
// fromCaller is true when the request was sent by the caller.
func (t *DialogTable) Match(req *sip.Request) (d *Dialog, fromCaller bool, ok bool) {
	callID, fromTag, toTag, ok := msgTags(&req.Headers)
	if !ok || toTag == "" {
		return nil, false, false
	}
	if d, ok := t.dialogs[DialogID{callID, fromTag, toTag}]; ok {
		return d, true, true
	}
	if d, ok := t.dialogs[DialogID{callID, toTag, fromTag}]; ok {
		return d, false, true
	}
	return nil, false, false
}

// CheckRequest validates the CSeq of an in-dialog request and records it.
// Requests with a CSeq lower than the last one seen from the same side fail with [ErrCSeqOutOfOrder].
// ACK and CANCEL reuse the INVITE CSeq and are not checked.
// Requests outside of known dialogs pass.
func (t *DialogTable) CheckRequest(ctx context.Context, req *sip.Request) error {
	d, fromCaller, ok := t.Match(req)
	if !ok {
		return nil
	}
	t.touch(d)
	if req.IsAck() || req.IsCancel() {
		return nil
	}

	cseq, err := req.Headers.CSeq()
	if err != nil {
		return errtrace.Wrap(err)
	}
	last := &d.CalleeCSeq
	if fromCaller {
		last = &d.CallerCSeq
	}
	if *last != 0 && cseq.Seq < *last {
		t.log.LogAttrs(ctx, slog.LevelDebug,
			"in-dialog request CSeq out of order",
			slog.Any("dialog", d),
			slog.Uint64("cseq", uint64(cseq.Seq)),
		)
		return errtrace.Wrap(errorutil.NewWrapperError(ErrCSeqOutOfOrder, "got %d, last %d", cseq.Seq, *last))
	}
	*last = cseq.Seq
	return nil
}

// HandleResponse updates dialogs with a response passing through the proxy:
// a 101-199 response with a To tag to INVITE creates an early dialog, a 2xx confirms it,
// a 300-699 removes the early dialog and a final response to BYE removes the dialog.
func (t *DialogTable) HandleResponse(ctx context.Context, res *sip.Response) {
	cseq, err := res.Headers.CSeq()
	if err != nil {
		return
	}
	callID, fromTag, toTag, ok := msgTags(&res.Headers)
	if !ok || toTag == "" {
		return
	}
	id := DialogID{callID, fromTag, toTag}

	switch {
	case cseq.Method.Equal(sip.RequestMethodInvite):
		switch {
		case res.Status > sip.StatusTrying && res.Status.IsProvisional():
			if _, ok := t.dialogs[id]; !ok {
				t.create(ctx, id, DialogStateEarly, cseq.Seq, res)
			}
		case res.Status.IsSuccessful():
			d, ok := t.dialogs[id]
			if !ok {
				t.create(ctx, id, DialogStateConfirmed, cseq.Seq, res)
				return
			}
			if d.State == DialogStateEarly {
				d.State = DialogStateConfirmed
				d.RouteSet = res.Headers.Values(sip.HdrRecordRoute)
				t.touch(d)
				t.log.LogAttrs(ctx, slog.LevelDebug, "dialog confirmed", slog.Any("dialog", d))
			}
		case res.Status.IsFinal():
			if d, ok := t.dialogs[id]; ok && d.State == DialogStateEarly {
				t.remove(ctx, d, "rejected")
			}
		}
	case cseq.Method.Equal(sip.RequestMethodBye) && res.Status.IsFinal():
		if d, ok := t.dialogs[id]; ok {
			t.remove(ctx, d, "bye")
		} else if d, ok := t.dialogs[DialogID{callID, toTag, fromTag}]; ok {
			t.remove(ctx, d, "bye")
		}
	}
}

// Remove removes the dialog with the ID.
func (t *DialogTable) Remove(ctx context.Context, id DialogID) bool {
	d, ok := t.dialogs[id]
	if !ok {
		return false
	}
	t.remove(ctx, d, "removed")
	return true
}

// Close removes all dialogs.
func (t *DialogTable) Close(ctx context.Context) {
	for _, d := range t.dialogs {
		t.remove(ctx, d, "closed")
	}
}

func (t *DialogTable) create(ctx context.Context, id DialogID, state DialogState, cseq uint32, res *sip.Response) {
	now := t.sched.Now()
	d := &Dialog{
		ID:         id,
		State:      state,
		CallerCSeq: cseq,
		RouteSet:   res.Headers.Values(sip.HdrRecordRoute),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.idle = t.sched.Schedule(t.idle, func() {
		if cur, ok := t.dialogs[id]; ok && cur == d {
			t.remove(context.Background(), d, "idle")
		}
	})
	t.dialogs[id] = d

	t.log.LogAttrs(ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	t.events.Emit(event.Event{
		Kind:   event.KindDialogCreated,
		Time:   now,
		TxKey:  id.String(),
		Method: string(sip.RequestMethodInvite),
		Reason: string(state),
	})
}

func (t *DialogTable) touch(d *Dialog) {
	d.UpdatedAt = t.sched.Now()
	d.idle.Reset(t.idle)
}

func (t *DialogTable) remove(ctx context.Context, d *Dialog, reason string) {
	d.idle.Cancel()
	d.State = DialogStateTerminated
	delete(t.dialogs, d.ID)

	t.log.LogAttrs(ctx, slog.LevelDebug, "dialog terminated", slog.Any("dialog", d), slog.String("reason", reason))
	t.events.Emit(event.Event{
		Kind:   event.KindDialogTerminated,
		Time:   t.sched.Now(),
		TxKey:  d.ID.String(),
		Reason: reason,
	})
}

func msgTags(hdrs *sip.Headers) (callID, fromTag, toTag string, ok bool) {
	callID, ok = hdrs.CallID()
	if !ok {
		return "", "", "", false
	}
	from, err := hdrs.From()
	if err != nil || from.Tag() == "" {
		return "", "", "", false
	}
	to, err := hdrs.To()
	if err != nil {
		return "", "", "", false
	}
	return callID, from.Tag(), to.Tag(), true
}
