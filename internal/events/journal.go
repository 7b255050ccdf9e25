package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	sinkWriteTimeout = 5 * time.Second
	flushTimeout     = 5 * time.Second
)

// Journal records session lifecycle events. Every event lands in the memory
// store synchronously; forwarding to the sink is asynchronous and never
// blocks the caller. When the queue is full the event is only kept locally.
type Journal struct {
	store *Store
	sink  Sink
	queue chan Event
	log   logrus.FieldLogger
}

// NewJournal builds a journal. sink may be nil, in which case events are only
// kept in memory and Run returns immediately.
func NewJournal(store *Store, sink Sink, buffer int, log logrus.FieldLogger) *Journal {
	if buffer <= 0 {
		buffer = 1
	}
	j := &Journal{store: store, sink: sink, log: log}
	if sink != nil {
		j.queue = make(chan Event, buffer)
	}
	return j
}

func (j *Journal) Record(sessionID, typ string, payload map[string]any) Event {
	evt := newEvent(sessionID, typ, payload)
	j.store.Add(evt)
	metricRecorded.WithLabelValues(typ).Inc()
	if j.queue == nil {
		return evt
	}
	select {
	case j.queue <- evt:
	default:
		metricDropped.Inc()
		j.log.WithFields(logrus.Fields{"session_id": sessionID, "type": typ}).Warn("event sink queue full, event kept in memory only")
	}
	return evt
}

func (j *Journal) List(sessionID string) []Event { return j.store.List(sessionID) }

func (j *Journal) Has(sessionID string) bool { return j.store.Has(sessionID) }

// Sink returns the configured external sink, or nil.
func (j *Journal) Sink() Sink { return j.sink }

// Run forwards queued events to the sink until ctx is cancelled, then flushes
// what is still queued and closes the sink.
func (j *Journal) Run(ctx context.Context) error {
	if j.sink == nil {
		return nil
	}
	defer func() {
		if err := j.sink.Close(); err != nil {
			j.log.WithError(err).Warn("event sink close")
		}
	}()
	for {
		select {
		case evt := <-j.queue:
			j.forward(ctx, evt)
		case <-ctx.Done():
			j.flush()
			return nil
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case evt := <-j.queue:
			j.forward(ctx, evt)
		default:
			return
		}
		if ctx.Err() != nil {
			j.log.WithField("remaining", len(j.queue)).Warn("event flush timed out")
			return
		}
	}
}

func (j *Journal) forward(ctx context.Context, evt Event) {
	wctx, cancel := context.WithTimeout(ctx, sinkWriteTimeout)
	defer cancel()
	if err := j.sink.Write(wctx, evt); err != nil {
		metricSinkWrites.WithLabelValues(j.sink.Name(), "error").Inc()
		j.log.WithError(err).WithFields(logrus.Fields{
			"sink":       j.sink.Name(),
			"session_id": evt.SessionID,
			"type":       evt.Type,
		}).Warn("event sink write failed")
		return
	}
	metricSinkWrites.WithLabelValues(j.sink.Name(), "ok").Inc()
}
