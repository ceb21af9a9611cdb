package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/remote"
)

// prerequisitesStep is step 2: disk report and outbound connectivity.
func (r *run) prerequisitesStep(ctx context.Context) error {
	r.begin(ctx, "Checking disk space...")
	r.logf(ctx, "[Step 2] Checking prerequisites...")

	disk, err := r.exec(ctx, "df -BG / | tail -1", 30*time.Second)
	if err != nil {
		return err
	}
	r.logf(ctx, "Disk: %s", disk.Output())

	ok, err := r.probe(ctx, "curl -sf --max-time 10 https://download.docker.com > /dev/null 2>&1", 15*time.Second)
	if err != nil {
		return err
	}
	if ok {
		r.logf(ctx, "Internet: available")
	} else {
		ok, err = r.probe(ctx, "ping -c 1 -W 5 8.8.8.8 > /dev/null 2>&1", 10*time.Second)
		if err != nil {
			return err
		}
		if !ok {
			return fatalf("No internet connection. Check network settings.")
		}
		r.logf(ctx, "Internet: available (ping ok, curl to docker.com failed)")
	}
	r.succeed(ctx, "Prerequisites OK")
	return nil
}

// installDockerStep is step 3: container runtime and compose plugin.
func (r *run) installDockerStep(ctx context.Context) error {
	r.begin(ctx, "Installing Docker...")
	r.logf(ctx, "[Step 3] Installing Docker...")

	present, err := r.probe(ctx, "command -v docker", 10*time.Second)
	if err != nil {
		return err
	}
	fresh := !present
	if present {
		r.logf(ctx, "Docker already installed, skipping.")
		hasCompose, err := r.probe(ctx, "docker compose version", 10*time.Second)
		if err != nil {
			return err
		}
		if !hasCompose {
			r.logf(ctx, "Installing docker-compose-plugin...")
			if _, err := r.sudo(ctx, "apt-get update -qq && apt-get install -y -qq docker-compose-plugin", 120*time.Second); err != nil {
				return err
			}
		}
	} else {
		r.logf(ctx, "Installing Docker via get.docker.com...")
		if _, err := r.sudo(ctx, "curl -fsSL https://get.docker.com | sh", 300*time.Second); err != nil {
			return err
		}
		r.logf(ctx, "Adding user to docker group...")
		if _, err := r.sudo(ctx, "usermod -aG docker "+remote.ShellQuote(r.target.User), 10*time.Second); err != nil {
			return err
		}
	}

	version, err := r.exec(ctx, "docker --version", 10*time.Second)
	if err != nil {
		return err
	}
	r.logf(ctx, "Docker: %s", version.Output())

	if fresh {
		if err := r.reconnect(ctx); err != nil {
			return err
		}
		// the new login must reach the daemon without elevation
		if _, err := r.exec(ctx, "docker info > /dev/null 2>&1", 15*time.Second); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fatal(err, "Docker is installed but user %q cannot use it after reconnect. Check docker group membership.", r.target.User)
		}
		r.logf(ctx, "Docker group membership active.")
	}
	r.succeed(ctx, "Docker installed")
	return nil
}

// layoutDirs are created under the login home.
var layoutDirs = []string{"screenly/viewer", "screenly/staticfiles", ".screenly", "screenly_assets"}

// placeholderFiles must exist before compose bind-mounts them.
var placeholderFiles = []string{"screenly/viewer/__init__.py", "screenly/viewer/media_player.py"}

// createDirsStep is step 4: the on-device directory layout.
func (r *run) createDirsStep(ctx context.Context) error {
	r.begin(ctx, "Creating directories...")
	r.logf(ctx, "[Step 4] Creating directories...")

	dirs := make([]string, 0, len(layoutDirs))
	for _, d := range layoutDirs {
		dirs = append(dirs, remote.ShellQuote(r.home+"/"+d))
	}
	if _, err := r.sudo(ctx, "mkdir -p "+strings.Join(dirs, " "), 10*time.Second); err != nil {
		return err
	}
	owner := remote.ShellQuote(fmt.Sprintf("%s:%s", r.target.User, r.target.User))
	roots := []string{
		remote.ShellQuote(r.home + "/screenly"),
		remote.ShellQuote(r.home + "/.screenly"),
		remote.ShellQuote(r.home + "/screenly_assets"),
	}
	if _, err := r.sudo(ctx, "chown -R "+owner+" "+strings.Join(roots, " "), 10*time.Second); err != nil {
		return err
	}
	files := make([]string, 0, len(placeholderFiles))
	for _, f := range placeholderFiles {
		files = append(files, remote.ShellQuote(r.home+"/"+f))
	}
	if _, err := r.exec(ctx, "touch "+strings.Join(files, " "), 10*time.Second); err != nil {
		return err
	}
	r.logf(ctx, "Directories created.")
	r.succeed(ctx, "Directories created")
	return nil
}
