package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/remote"
)

const readyProbe = "curl -sf --max-time 5 http://localhost/api/v2/info > /dev/null 2>&1"

// pullImagesStep is step 7. Images are pulled one at a time so progress is
// visible and a cancel takes effect between pulls.
func (r *run) pullImagesStep(ctx context.Context) error {
	r.begin(ctx, "Pulling Docker images...")
	r.logf(ctx, "[Step 7] Pulling Docker images (this may take a while)...")

	images := WorkloadImages(r.class)
	for i, img := range images {
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}
		progress := fmt.Sprintf("Pulling %s (%d/%d)...", img.Name, i+1, len(images))
		r.begin(ctx, progress)
		r.logf(ctx, "  Pulling %s (%d/%d): %s", img.Name, i+1, len(images), img.Ref)
		res, err := r.exec(ctx, "docker pull "+remote.ShellQuote(img.Ref)+" 2>&1", 600*time.Second)
		if err != nil {
			return err
		}
		r.logf(ctx, "  -> %s", lastLine(res.Stdout))
	}
	r.succeed(ctx, fmt.Sprintf("All %d images pulled", len(images)))
	return nil
}

// startContainersStep is step 8. Compose recreates changed containers, so a
// retried run converges on the same state.
func (r *run) startContainersStep(ctx context.Context) error {
	r.begin(ctx, "Starting containers...")
	r.logf(ctx, "[Step 8] Starting containers...")

	res, err := r.exec(ctx, "cd "+remote.ShellQuote(r.home+"/screenly")+" && docker compose up -d 2>&1", 120*time.Second)
	if err != nil {
		return err
	}
	out := res.Stdout
	if len(out) > 1000 {
		out = out[len(out)-1000:]
	}
	if s := strings.TrimSpace(out); s != "" {
		r.logf(ctx, "%s", s)
	}
	r.succeed(ctx, "Containers started")
	return nil
}

// waitReadyStep is step 9: poll the player API until it answers.
func (r *run) waitReadyStep(ctx context.Context) error {
	r.begin(ctx, "Waiting for player API...")
	r.logf(ctx, "[Step 9] Waiting for player to be ready...")

	policy := r.o.opts.Policies.Ready
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := sleep(ctx, policy.Delay(attempt-1)); err != nil {
			return err
		}
		ok, err := r.probe(ctx, readyProbe, 10*time.Second)
		if err != nil {
			return err
		}
		if ok {
			r.logf(ctx, "Player API ready (attempt %d)", attempt)
			r.succeed(ctx, "Player is ready")
			return nil
		}
		r.logf(ctx, "Attempt %d/%d: not ready yet...", attempt, policy.Attempts)
	}
	return fatalf("Player API did not become ready within %s.", humanize(policy.Total()))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// humanize renders whole minutes the way operators read them.
func humanize(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
