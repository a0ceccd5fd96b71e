package channel

import (
	"context"
	"time"
)

// Push copies a local file to remote on device.
func (c *Client) Push(ctx context.Context, device, local, remote string) error {
	_, err := c.Execute(ctx, device, 2*c.defaultTimeout(), "push", local, remote)
	return err
}

// ForceStopApp stops pkg on device.
func (c *Client) ForceStopApp(ctx context.Context, device, pkg string) error {
	_, err := c.Execute(ctx, device, 0, "shell", "am", "force-stop", pkg)
	return err
}

// StartApp launches pkg, through its activity when one is given.
func (c *Client) StartApp(ctx context.Context, device, pkg, activity string) error {
	var err error
	if activity != "" {
		_, err = c.Execute(ctx, device, 0, "shell", "am", "start", "-n", pkg+"/"+activity)
	} else {
		_, err = c.Execute(ctx, device, 0, "shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	}
	return err
}

// Settle waits d or until ctx ends, using the client's clock.
func (c *Client) Settle(ctx context.Context, d time.Duration) error {
	return c.sleep(ctx, d)
}
