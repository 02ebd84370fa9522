package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/metrics"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

// EventStream receives every dispatched event, independent of recipients.
type EventStream interface {
	Publish(ctx context.Context, ev *models.AlertEvent) error
}

type Options struct {
	Routing     map[models.Severity][]models.Channel
	Throttle    map[models.Channel]time.Duration
	MaxRetries  int
	RetryBase   time.Duration
	Concurrency int
}

func OptionsFromConfig(c config.NotifyConfig) Options {
	o := Options{
		Routing:     make(map[models.Severity][]models.Channel, len(c.Routing)),
		Throttle:    make(map[models.Channel]time.Duration, len(c.Throttle)),
		MaxRetries:  c.MaxRetries,
		RetryBase:   c.RetryBase,
		Concurrency: c.Concurrency,
	}
	for sev, chans := range c.Routing {
		for _, ch := range chans {
			o.Routing[models.Severity(sev)] = append(o.Routing[models.Severity(sev)], models.Channel(ch))
		}
	}
	for ch, d := range c.Throttle {
		o.Throttle[models.Channel(ch)] = d
	}
	return o
}

type throttleKey struct {
	recipient string
	channel   models.Channel
}

type Dispatcher struct {
	store      *store.Store
	senders    map[models.Channel]Sender
	recipients []models.Recipient
	stream     EventStream
	opts       Options
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[throttleKey]time.Time
}

func NewDispatcher(s *store.Store, recipients []models.Recipient, opts Options, logger *slog.Logger, senders ...Sender) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:      s,
		senders:    make(map[models.Channel]Sender, len(senders)),
		recipients: recipients,
		opts:       opts,
		log:        logger.With("component", "notify"),
		now:        time.Now,
		lastSent:   make(map[throttleKey]time.Time),
	}
	for _, snd := range senders {
		d.senders[snd.Channel()] = snd
	}
	return d
}

func (d *Dispatcher) SetStream(s EventStream) { d.stream = s }

type delivery struct {
	recipient models.Recipient
	channel   models.Channel
}

// Dispatch delivers ev to every recipient whose role is in the event audience
// and who watches the station, over the channels routed for its severity.
// Every attempt outcome is recorded on ev and in the store. The returned error
// reports failed sends; throttled and skipped deliveries are not errors.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.AlertEvent) error {
	log := logging.FromContext(ctx, d.log)
	if d.stream != nil {
		if err := d.stream.Publish(ctx, ev); err != nil {
			logging.Failure(ctx, d.log, "event stream publish failed", err)
		}
	}

	var jobs []delivery
	for _, r := range d.recipients {
		if !d.addressed(r, ev) {
			continue
		}
		for _, ch := range d.opts.Routing[ev.Severity] {
			if r.Enabled(ch) {
				jobs = append(jobs, delivery{recipient: r, channel: ch})
			}
		}
	}
	if len(jobs) == 0 {
		log.Debug("no recipients for alert", "kind", ev.Kind, "severity", ev.Severity)
		return nil
	}

	results := make([]models.ChannelDispatch, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = d.deliver(gctx, ev, job)
			return nil
		})
	}
	_ = g.Wait()

	ev.Dispatches = append(ev.Dispatches, results...)
	if err := d.store.RecordDispatches(ctx, ev.ID, results); err != nil {
		return fmt.Errorf("record dispatches: %w", err)
	}

	var errs []error
	for _, r := range results {
		metrics.Dispatches.WithLabelValues(string(r.Channel), string(r.Status)).Inc()
		if r.Status == models.DispatchFailed {
			errs = append(errs, fmt.Errorf("%s to %s: %s", r.Channel, r.Recipient, r.Error))
		}
	}
	log.Info("alert dispatched", "event", ev.ID, "kind", ev.Kind, "deliveries", len(results), "failed", len(errs))
	if len(errs) > 0 {
		return failure.New(failure.ChannelFailure, "notify.Dispatch", errors.Join(errs...))
	}
	return nil
}

func (d *Dispatcher) addressed(r models.Recipient, ev *models.AlertEvent) bool {
	if !r.Watches(ev.StationID) {
		return false
	}
	if len(ev.Audience) == 0 {
		return true
	}
	for _, role := range ev.Audience {
		if r.HasRole(role) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, ev *models.AlertEvent, job delivery) models.ChannelDispatch {
	out := models.ChannelDispatch{Channel: job.channel, Recipient: job.recipient.Name, At: d.now()}

	snd, ok := d.senders[job.channel]
	addr := job.recipient.Address(job.channel)
	if !ok || addr == "" {
		out.Status = models.DispatchSkipped
		if !ok {
			out.Error = "channel not configured"
		} else {
			out.Error = "no address"
		}
		return out
	}

	key := throttleKey{job.recipient.Name, job.channel}
	if !d.reserve(key, out.At) {
		out.Status = models.DispatchThrottled
		return out
	}

	msg := newMessage(ev, job.recipient, addr)
	err := d.send(ctx, snd, msg, &out.Attempts)
	if err != nil {
		d.release(key, out.At)
		out.Status = models.DispatchFailed
		out.Error = err.Error()
		logging.Failure(ctx, d.log, "notification failed", err)
		return out
	}
	out.Status = models.DispatchSent
	return out
}

// reserve claims the throttle window of a recipient channel. It fails while
// an earlier send is inside the window.
func (d *Dispatcher) reserve(key throttleKey, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.opts.Throttle[key.channel] {
		return false
	}
	d.lastSent[key] = now
	return true
}

// release frees a reservation whose send failed, so the next event can try.
func (d *Dispatcher) release(key throttleKey, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSent[key].Equal(at) {
		delete(d.lastSent, key)
	}
}

func (d *Dispatcher) send(ctx context.Context, snd Sender, msg Message, attempts *int) error {
	op := func() error {
		*attempts++
		err := snd.Send(ctx, msg)
		if err == nil || retriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryBase
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxRetries)), ctx))
}
