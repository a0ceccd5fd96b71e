package payload

import (
	"context"
	"path"
	"time"

	"github.com/msageha/devfleet/internal/model"
)

// AppChannel is the subset of the channel client used to deliver a payload.
type AppChannel interface {
	ForceStopApp(ctx context.Context, device, pkg string) error
	Push(ctx context.Context, device, local, remote string) error
	StartApp(ctx context.Context, device, pkg, activity string) error
	Settle(ctx context.Context, d time.Duration) error
}

// Pusher runs the push sequence: stop the app, copy the payload, start the app.
type Pusher struct {
	ch       AppChannel
	src      *Source
	dest     string
	pkg      string
	activity string
	settle   time.Duration
}

func NewPusher(ch AppChannel, src *Source, cfg model.PayloadConfig) *Pusher {
	dest := cfg.Destination
	if dest == "" {
		dest = path.Join("/data/local/tmp", src.filename)
	}
	return &Pusher{
		ch:       ch,
		src:      src,
		dest:     dest,
		pkg:      cfg.AppPackage,
		activity: cfg.AppActivity,
		settle:   time.Second,
	}
}

// Push delivers id to device. A missing payload can never succeed and is Fatal; channel
// failures are Retry.
func (p *Pusher) Push(ctx context.Context, device string, id model.ItemID) model.Outcome {
	local := p.src.Path(id)
	if !p.src.Exists(id) {
		return model.Fatal("payload missing: " + local)
	}

	if p.pkg != "" {
		if err := p.ch.ForceStopApp(ctx, device, p.pkg); err != nil {
			return model.Retry("force_stop_failed: " + err.Error())
		}
		if err := p.ch.Settle(ctx, p.settle); err != nil {
			return model.Retry(err.Error())
		}
	}
	if err := p.ch.Push(ctx, device, local, p.dest); err != nil {
		return model.Retry("push_failed: " + err.Error())
	}
	if p.pkg != "" {
		if err := p.ch.StartApp(ctx, device, p.pkg, p.activity); err != nil {
			return model.Retry("start_app_failed: " + err.Error())
		}
		if err := p.ch.Settle(ctx, p.settle); err != nil {
			return model.Retry(err.Error())
		}
	}
	return model.Success()
}
