package provision

import (
	"context"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/pkg/errors"
)

const (
	phoneHomeScript  = "/usr/local/bin/anthias-phonehome.sh"
	systemdUnitDir   = "/etc/systemd/system/"
	phoneHomeService = "anthias-phonehome.service"
	phoneHomeTimer   = "anthias-phonehome.timer"
)

// phoneHomeStep is step 10: a timer that re-registers the player with the
// fleet server every few minutes.
func (r *run) phoneHomeStep(ctx context.Context) error {
	r.begin(ctx, "Installing phone-home timer...")
	r.logf(ctx, "[Step 10] Installing phone-home timer...")

	if r.task.CallbackURL == "" {
		r.logf(ctx, "No FM server URL provided, skipping phone-home.")
		r.skip(ctx, "No callback URL")
		return nil
	}

	script, err := RenderPhoneHome(r.task.CallbackURL, r.o.opts.RegisterToken)
	if err != nil {
		return fatal(err, "Phone-home render failed: %v", err)
	}
	service, err := static(phoneHomeService)
	if err != nil {
		return err
	}
	timer, err := static(phoneHomeTimer)
	if err != nil {
		return err
	}

	if _, err := r.sudo(ctx, "mkdir -p /usr/local/bin", 10*time.Second); err != nil {
		return err
	}
	staged := r.home + "/anthias-phonehome.sh"
	if err := r.upload(ctx, staged, script, 0o755); err != nil {
		return err
	}
	if _, err := r.sudo(ctx, "mv "+remote.ShellQuote(staged)+" "+phoneHomeScript+" && chmod +x "+phoneHomeScript, 10*time.Second); err != nil {
		return err
	}
	for _, unit := range []struct {
		name string
		data []byte
	}{{phoneHomeService, service}, {phoneHomeTimer, timer}} {
		staged := r.home + "/" + unit.name
		if err := r.upload(ctx, staged, unit.data, 0o644); err != nil {
			return err
		}
		if _, err := r.sudo(ctx, "mv "+remote.ShellQuote(staged)+" "+systemdUnitDir, 10*time.Second); err != nil {
			return err
		}
	}
	if _, err := r.sudo(ctx, "systemctl daemon-reload && systemctl enable --now "+phoneHomeTimer, 15*time.Second); err != nil {
		return err
	}
	r.logf(ctx, "Phone-home timer installed and started.")
	r.succeed(ctx, "Phone-home installed")
	return nil
}

// vpnStep is step 11: join the mesh VPN when an auth key is configured.
// Every failure is non-fatal.
func (r *run) vpnStep(ctx context.Context) error {
	r.begin(ctx, "Installing Tailscale...")
	r.logf(ctx, "[Step 11] Installing Tailscale (optional)...")

	if r.o.opts.VPNKey == nil {
		r.logf(ctx, "No Tailscale authkey configured, skipping.")
		r.skip(ctx, "No auth key configured")
		return nil
	}
	key, err := r.o.opts.VPNKey(ctx)
	if err != nil {
		r.logf(ctx, "Tailscale authkey decryption failed, skipping.")
		r.skip(ctx, "Auth key error")
		return nil
	}
	if key == "" {
		r.logf(ctx, "No Tailscale authkey configured, skipping.")
		r.skip(ctx, "No auth key configured")
		return nil
	}
	return skippable(r.joinVPN(ctx, key))
}

func (r *run) joinVPN(ctx context.Context, key string) error {
	present, err := r.probe(ctx, "command -v tailscale", 10*time.Second)
	if err != nil {
		return err
	}
	if present {
		r.logf(ctx, "Tailscale already installed.")
	} else {
		r.logf(ctx, "Installing Tailscale...")
		if _, err := r.sudo(ctx, "curl -fsSL https://tailscale.com/install.sh | sh", 120*time.Second); err != nil {
			return err
		}
	}

	r.logf(ctx, "Authenticating with Tailscale...")
	if _, err := remote.Run(ctx, r.session, remote.Command{
		Line:    "tailscale up --authkey=" + remote.ShellQuote(key),
		Elevate: true,
		Secret:  r.password,
		Timeout: 30 * time.Second,
		Display: "tailscale up --authkey=***",
	}); err != nil {
		return err
	}

	res, err := r.exec(ctx, "tailscale ip -4", 10*time.Second)
	if err != nil {
		return err
	}
	ip := lastLine(res.Stdout)
	if ip == "" {
		return errors.New("tailscale reported no IPv4 address")
	}
	r.vpnAddress = ip
	r.logf(ctx, "Tailscale connected: %s", ip)
	r.succeed(ctx, "Tailscale: "+ip)
	return nil
}

const cursorOff = "echo 0 > /sys/class/graphics/fbcon/cursor_blink; " +
	"setterm -cursor off > /dev/tty1 2>/dev/null; " +
	"setterm -cursor off > /dev/tty0 2>/dev/null; true"

// silentBootStep is step 12: hide boot splash, console text and cursor.
// Every failure is non-fatal.
func (r *run) silentBootStep(ctx context.Context) error {
	r.begin(ctx, "Configuring silent boot...")
	r.logf(ctx, "[Step 12] Configuring silent boot (non-fatal)...")

	script, err := RenderSilentBoot(r.target.User, r.home)
	if err != nil {
		return skippable(err)
	}
	path := r.home + "/setup-silent-boot.sh"
	if err := r.upload(ctx, path, script, 0o755); err != nil {
		return skippable(err)
	}
	if _, err := r.sudo(ctx, "bash "+remote.ShellQuote(path), 30*time.Second); err != nil {
		return skippable(err)
	}
	// the kernel parameters only apply after a reboot
	if _, err := remote.Run(ctx, r.session, remote.Command{
		Line:         cursorOff,
		Elevate:      true,
		Secret:       r.password,
		Timeout:      10 * time.Second,
		AllowFailure: true,
	}); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	r.logf(ctx, "Silent boot configured + cursor hidden.")
	r.succeed(ctx, "Silent boot configured")
	return nil
}
