package provision

import (
	"context"
	"io/fs"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/pkg/errors"
)

const macProbe = "cat /sys/class/net/eth0/address 2>/dev/null || " +
	"cat /sys/class/net/end0/address 2>/dev/null || " +
	"cat /sys/class/net/wlan0/address 2>/dev/null || echo ''"

// MediaPlayerAsset is the viewer module looked up in Options.Assets.
const MediaPlayerAsset = "media_player.py"

func (r *run) upload(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	if err := r.session.WriteFile(ctx, path, data, perm); err != nil {
		return errors.Wrapf(err, "upload %s failed", path)
	}
	return nil
}

// uploadComposeStep is step 5: render the class-specific workload file.
func (r *run) uploadComposeStep(ctx context.Context) error {
	r.begin(ctx, "Uploading docker-compose.yml...")
	r.logf(ctx, "[Step 5] Uploading docker-compose.yml...")

	res, err := remote.Run(ctx, r.session, remote.Command{Line: macProbe, Timeout: 5 * time.Second, AllowFailure: true})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	r.mac = fleet.NormalizeMAC(res.Output())
	if r.mac != "" {
		r.logf(ctx, "MAC address: %s", r.mac)
	}

	content, err := RenderCompose(r.class, r.task.Address, r.target.User, r.home, r.mac)
	if err != nil {
		return fatal(err, "Compose render failed: %v", err)
	}
	path := r.home + "/screenly/docker-compose.yml"
	if err := r.upload(ctx, path, content, 0o644); err != nil {
		return err
	}
	r.logf(ctx, "Uploaded %s", path)
	r.succeed(ctx, "docker-compose.yml uploaded")
	return nil
}

// uploadConfigsStep is step 6: audio, player settings and the viewer module.
func (r *run) uploadConfigsStep(ctx context.Context) error {
	r.begin(ctx, "Uploading configs...")
	r.logf(ctx, "[Step 6] Uploading configuration files...")

	configs := []struct {
		asset string
		path  string
		label string
	}{
		{asset: "asoundrc", path: r.home + "/.asoundrc", label: ".asoundrc"},
		{asset: "screenly.conf", path: r.home + "/.screenly/screenly.conf", label: "screenly.conf"},
	}
	for _, c := range configs {
		data, err := static(c.asset)
		if err != nil {
			return err
		}
		if err := r.upload(ctx, c.path, data, 0o644); err != nil {
			return err
		}
		r.logf(ctx, "Uploaded %s", c.label)
	}

	player, err := r.mediaPlayer()
	if err != nil {
		r.logf(ctx, "WARNING: %s template not found, skipping", MediaPlayerAsset)
	} else {
		if err := r.upload(ctx, r.home+"/screenly/viewer/media_player.py", player, 0o644); err != nil {
			return err
		}
		r.logf(ctx, "Uploaded viewer/%s", MediaPlayerAsset)
	}
	r.succeed(ctx, "Configs uploaded")
	return nil
}

func (r *run) mediaPlayer() ([]byte, error) {
	if r.o.opts.Assets == nil {
		return nil, fs.ErrNotExist
	}
	return fs.ReadFile(r.o.opts.Assets, MediaPlayerAsset)
}
