package provision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	"github.com/httprunner/ProvisionAgent/pkg/notify"
	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/httprunner/ProvisionAgent/pkg/remote/remotetest"
	"github.com/httprunner/ProvisionAgent/pkg/storage"
)

const testPassword = "raspberry"

type harness struct {
	t      *testing.T
	store  *storage.Store
	device *remotetest.Device
	dialer *remotetest.Dialer
	opts   Options
	events *captureNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/provision.sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	device := remotetest.NewDevice().
		On("uname -m", remotetest.Response{Stdout: "aarch64\n"}).
		On("/proc/device-tree/model", remotetest.Response{Stdout: "Raspberry Pi 4 Model B Rev 1.4\x00"}).
		On("/sys/class/net/", remotetest.Response{Stdout: "DC:A6:32:01:02:03\n"}).
		On("docker --version", remotetest.Response{Stdout: "Docker version 27.1.1, build 6312585\n"}).
		On("tailscale ip -4", remotetest.Response{Stdout: "100.64.0.7\n"})

	events := &captureNotifier{}
	return &harness{
		t:      t,
		store:  store,
		device: device,
		dialer: remotetest.NewDialer(device),
		events: events,
		opts: Options{
			Policies: DefaultPolicies().WithoutDelays(),
			Notifier: events,
		},
	}
}

func (h *harness) newTask(callback string) *record.ProvisionTask {
	h.t.Helper()
	task := record.NewProvisionTask("10.0.0.5", "pi", 22, "", callback)
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		h.t.Fatalf("create task: %v", err)
	}
	return task
}

func (h *harness) run(ctx context.Context, taskID string) *record.ProvisionTask {
	h.t.Helper()
	o := NewOrchestrator(h.store, h.dialer, fleet.NewResolver(h.store), h.opts)
	if err := o.Run(ctx, taskID, testPassword); err != nil {
		h.t.Fatalf("run: %v", err)
	}
	task, err := h.store.GetTask(context.Background(), taskID)
	if err != nil {
		h.t.Fatalf("get task: %v", err)
	}
	return task
}

func (h *harness) assertSessionsClosed() {
	h.t.Helper()
	for i, s := range h.dialer.Sessions() {
		if s.Closes() != 1 {
			h.t.Fatalf("session %d closed %d times", i, s.Closes())
		}
	}
}

type captureNotifier struct {
	events []string
}

func (c *captureNotifier) Notify(_ context.Context, ev notify.Event) error {
	c.events = append(c.events, ev.Status)
	return nil
}

func stepStatus(t *testing.T, task *record.ProvisionTask, index int) record.Step {
	t.Helper()
	st, ok := task.Step(index)
	if !ok {
		t.Fatalf("step %d missing; steps=%+v", index, task.Steps)
	}
	return st
}

func TestRunProvisionsFreshDevice(t *testing.T) {
	h := newHarness(t)
	h.opts.RegisterToken = "reg-token"
	h.opts.VPNKey = func(context.Context) (string, error) { return "tskey-auth-abc", nil }
	h.opts.Assets = fstest.MapFS{MediaPlayerAsset: {Data: []byte("# viewer\n")}}
	task := h.newTask("http://fm.local/")

	got := h.run(context.Background(), task.ID)

	if got.Status != record.StatusSuccess {
		t.Fatalf("status = %s, error = %s\nlog:\n%s", got.Status, got.ErrorMessage, got.Log)
	}
	if len(got.Steps) != record.TotalSteps || got.CurrentStep != record.TotalSteps {
		t.Fatalf("expected %d steps, got %d (current %d)", record.TotalSteps, len(got.Steps), got.CurrentStep)
	}
	for _, st := range got.Steps {
		if st.Status != record.StepSuccess {
			t.Fatalf("step %d %s = %s (%s)", st.Index, st.Name, st.Status, st.Message)
		}
	}
	if msg := stepStatus(t, got, 1).Message; msg != "Connected (aarch64, pi4)" {
		t.Fatalf("step 1 message = %q", msg)
	}
	if msg := stepStatus(t, got, 11).Message; msg != "Tailscale: 100.64.0.7" {
		t.Fatalf("step 11 message = %q", msg)
	}

	compose, ok := h.device.File("/home/pi/screenly/docker-compose.yml")
	if !ok {
		t.Fatalf("compose file not uploaded")
	}
	for _, want := range []string{"anthias-server:latest-pi4-64", "/dev/vchiq", "HOST_MAC_ADDRESS=dc:a6:32:01:02:03", "DEVICE_IP=10.0.0.5"} {
		if !strings.Contains(string(compose), want) {
			t.Fatalf("compose missing %q", want)
		}
	}
	if _, ok := h.device.File("/home/pi/.asoundrc"); !ok {
		t.Fatalf(".asoundrc not uploaded")
	}
	if data, _ := h.device.File("/home/pi/screenly/viewer/media_player.py"); string(data) != "# viewer\n" {
		t.Fatalf("media_player.py = %q", data)
	}
	script, _ := h.device.File("/home/pi/anthias-phonehome.sh")
	if !strings.Contains(string(script), "SERVER='http://fm.local'") || !strings.Contains(string(script), "Authorization: Bearer reg-token") {
		t.Fatalf("phone-home script not rendered as expected:\n%s", script)
	}
	if h.device.FileMode("/home/pi/anthias-phonehome.sh") != 0o755 {
		t.Fatalf("phone-home script must be executable")
	}
	if h.device.Ran("docker pull") != len(WorkloadImages(fleet.ClassPi4)) {
		t.Fatalf("expected one pull per image, got %d", h.device.Ran("docker pull"))
	}

	// the auth key rides inside a quoted command, the password only on stdin
	for _, inv := range h.device.Invocations() {
		if strings.Contains(inv.Command, testPassword) {
			t.Fatalf("password leaked into command line: %s", inv.Command)
		}
		if strings.Contains(inv.Command, "tailscale up") && inv.Stdin != testPassword+"\n" {
			t.Fatalf("elevated command did not receive the password on stdin")
		}
	}

	devices, err := h.store.CountDevices(context.Background())
	if err != nil || devices != 1 {
		t.Fatalf("devices = %d, err = %v", devices, err)
	}
	player, err := h.store.GetDevice(context.Background(), got.DeviceID)
	if err != nil || player == nil {
		t.Fatalf("device %s not stored: %v", got.DeviceID, err)
	}
	if player.URL != "http://100.64.0.7" || player.MAC != "dc:a6:32:01:02:03" || player.Class != fleet.ClassPi4 {
		t.Fatalf("unexpected device %+v", player)
	}
	if player.Name != "Player 10.0.0.5" {
		t.Fatalf("default name = %q", player.Name)
	}
	if !strings.Contains(got.Log, `Provisioning complete! Player "Player 10.0.0.5" added.`) {
		t.Fatalf("missing completion line in log:\n%s", got.Log)
	}
	if len(h.events.events) != 1 || h.events.events[0] != "success" {
		t.Fatalf("events = %v", h.events.events)
	}
	h.assertSessionsClosed()
}

func TestRunSecondProvisioningUpdatesDevice(t *testing.T) {
	h := newHarness(t)
	first := h.run(context.Background(), h.newTask("").ID)
	second := h.run(context.Background(), h.newTask("").ID)
	if first.Status != record.StatusSuccess || second.Status != record.StatusSuccess {
		t.Fatalf("statuses = %s / %s", first.Status, second.Status)
	}
	if first.DeviceID != second.DeviceID {
		t.Fatalf("MAC match should reuse the device: %s vs %s", first.DeviceID, second.DeviceID)
	}
	if !strings.Contains(second.Log, "updated.") {
		t.Fatalf("expected update line in log:\n%s", second.Log)
	}
}

func TestRunOptionalStepsSkipped(t *testing.T) {
	h := newHarness(t)
	h.device.On("setup-silent-boot.sh", remotetest.Response{ExitCode: 1, Stderr: "read-only file system"})
	got := h.run(context.Background(), h.newTask("").ID)

	if got.Status != record.StatusSuccess {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	cases := []struct {
		index   int
		status  record.StepStatus
		message string
	}{
		{index: 6, status: record.StepSuccess, message: "Configs uploaded"},
		{index: 10, status: record.StepSkipped, message: "No callback URL"},
		{index: 11, status: record.StepSkipped, message: "No auth key configured"},
		{index: 12, status: record.StepSkipped, message: "Non-fatal: Command failed (exit 1): read-only file system"},
	}
	for _, tc := range cases {
		st := stepStatus(t, got, tc.index)
		if st.Status != tc.status || st.Message != tc.message {
			t.Fatalf("step %d = %s %q, want %s %q", tc.index, st.Status, st.Message, tc.status, tc.message)
		}
	}
	if !strings.Contains(got.Log, "WARNING: media_player.py template not found, skipping") {
		t.Fatalf("missing media player warning:\n%s", got.Log)
	}
	if h.device.Ran("systemctl enable --now anthias-phonehome.timer") != 0 {
		t.Fatalf("phone-home must not be installed without a callback URL")
	}
}

func TestRunVPNFailuresAreNonFatal(t *testing.T) {
	cases := []struct {
		name    string
		key     KeySource
		script  func(d *remotetest.Device)
		message string
	}{
		{
			name:    "sealed key unreadable",
			key:     func(context.Context) (string, error) { return "", errors.New("bad key") },
			message: "Auth key error",
		},
		{
			name: "join rejected",
			key:  func(context.Context) (string, error) { return "tskey", nil },
			script: func(d *remotetest.Device) {
				d.On("tailscale up", remotetest.Response{ExitCode: 1, Stderr: "invalid key"})
			},
			message: "Non-fatal: Command failed (exit 1): invalid key",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.opts.VPNKey = tc.key
			if tc.script != nil {
				tc.script(h.device)
			}
			got := h.run(context.Background(), h.newTask("").ID)
			if got.Status != record.StatusSuccess {
				t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
			}
			st := stepStatus(t, got, 11)
			if st.Status != record.StepSkipped || st.Message != tc.message {
				t.Fatalf("step 11 = %s %q", st.Status, st.Message)
			}
			player, _ := h.store.GetDevice(context.Background(), got.DeviceID)
			if player == nil || player.URL != "http://10.0.0.5" || player.VPNEnabled {
				t.Fatalf("device should keep the LAN address: %+v", player)
			}
		})
	}
}

func TestRunFatalFailures(t *testing.T) {
	refused := &remote.DialError{
		Kinds: []error{remote.ErrUnreachable, remote.ErrConnRefused},
		Err:   errors.New("dial tcp 10.0.0.5:22: connect: connection refused"),
	}
	cases := []struct {
		name      string
		setup     func(h *harness)
		step      int
		message   string
		wantDials int
	}{
		{
			name: "unsupported architecture",
			setup: func(h *harness) {
				h.device.On("uname -m", remotetest.Response{Stdout: "armv6l\n"})
			},
			step:      1,
			message:   "Unsupported architecture: armv6l. Expected aarch64 or armv7l.",
			wantDials: 1,
		},
		{
			name: "authentication rejected",
			setup: func(h *harness) {
				h.dialer.DialErrors = []error{&remote.DialError{
					Kinds: []error{remote.ErrAuthRejected},
					Err:   errors.New("ssh: unable to authenticate"),
				}}
			},
			step:      1,
			message:   `SSH authentication failed for user "pi". Check username and password.`,
			wantDials: 1,
		},
		{
			name: "connection refused on every attempt",
			setup: func(h *harness) {
				h.dialer.DialErrors = []error{refused, refused, refused, refused, refused, refused}
			},
			step:      1,
			message:   "SSH connection refused on port 22. SSH server may not be enabled on the device.",
			wantDials: 5,
		},
		{
			name: "port never opens",
			setup: func(h *harness) {
				h.dialer.ProbeResults = make([]bool, 20)
			},
			step:      1,
			message:   "Host 10.0.0.5:22 is unreachable. Check that the device is powered on, connected to the network, and SSH is enabled.",
			wantDials: 0,
		},
		{
			name: "no internet",
			setup: func(h *harness) {
				h.device.On("download.docker.com", remotetest.Response{ExitCode: 22})
				h.device.On("ping -c 1", remotetest.Response{ExitCode: 1})
			},
			step:      2,
			message:   "No internet connection. Check network settings.",
			wantDials: 1,
		},
		{
			name: "player never ready",
			setup: func(h *harness) {
				h.device.On("api/v2/info", remotetest.Response{ExitCode: 7})
			},
			step:      9,
			message:   "Player API did not become ready within",
			wantDials: 1,
		},
		{
			name: "image pull fails",
			setup: func(h *harness) {
				h.device.On("anthias-viewer", remotetest.Response{ExitCode: 1, Stderr: "manifest unknown"})
			},
			step:      7,
			message:   "Command failed (exit 1): manifest unknown",
			wantDials: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)
			got := h.run(context.Background(), h.newTask("").ID)

			if got.Status != record.StatusFailed {
				t.Fatalf("status = %s", got.Status)
			}
			if !strings.HasPrefix(got.ErrorMessage, tc.message) {
				t.Fatalf("error = %q, want prefix %q", got.ErrorMessage, tc.message)
			}
			last, _ := got.LastStep()
			if last.Index != tc.step || last.Status != record.StepFailed {
				t.Fatalf("last step = %d %s, want %d failed", last.Index, last.Status, tc.step)
			}
			if !strings.Contains(got.Log, "ERROR: "+tc.message) {
				t.Fatalf("missing ERROR line:\n%s", got.Log)
			}
			if h.dialer.Dials() != tc.wantDials {
				t.Fatalf("dials = %d, want %d", h.dialer.Dials(), tc.wantDials)
			}
			if got.DeviceID != "" {
				t.Fatalf("failed task must not link a device")
			}
			if len(h.events.events) != 1 || h.events.events[0] != "failed" {
				t.Fatalf("events = %v", h.events.events)
			}
			h.assertSessionsClosed()
		})
	}
}

func TestRunFreshInstallReconnects(t *testing.T) {
	h := newHarness(t)
	h.device.On("command -v docker", remotetest.Response{ExitCode: 1})
	got := h.run(context.Background(), h.newTask("").ID)

	if got.Status != record.StatusSuccess {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	if h.dialer.Dials() != 2 {
		t.Fatalf("expected a reconnect, dials = %d", h.dialer.Dials())
	}
	sessions := h.dialer.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	h.assertSessionsClosed()
	if h.device.Ran("get.docker.com") != 1 || h.device.Ran("usermod -aG docker") != 1 {
		t.Fatalf("runtime not installed")
	}
	if h.device.Ran("docker info") != 1 {
		t.Fatalf("expected post-reconnect capability check")
	}
	if !strings.Contains(got.Log, "SSH reconnected.") {
		t.Fatalf("missing reconnect line:\n%s", got.Log)
	}
}

func TestRunReconnectFailures(t *testing.T) {
	unreachable := &remote.DialError{Kinds: []error{remote.ErrUnreachable}, Err: errors.New("connection reset by peer")}
	cases := []struct {
		name      string
		setup     func(h *harness)
		message   string
		wantDials int
	}{
		{
			name: "device stays away",
			setup: func(h *harness) {
				h.dialer.DialErrors = []error{nil, unreachable, unreachable, unreachable}
			},
			message:   "SSH reconnect failed after docker install: connection reset by peer",
			wantDials: 4,
		},
		{
			name: "group membership not applied",
			setup: func(h *harness) {
				h.device.On("docker info", remotetest.Response{ExitCode: 1})
			},
			message:   `Docker is installed but user "pi" cannot use it after reconnect.`,
			wantDials: 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.device.On("command -v docker", remotetest.Response{ExitCode: 1})
			tc.setup(h)
			got := h.run(context.Background(), h.newTask("").ID)
			if got.Status != record.StatusFailed || !strings.HasPrefix(got.ErrorMessage, tc.message) {
				t.Fatalf("status = %s error = %q", got.Status, got.ErrorMessage)
			}
			if st := stepStatus(t, got, 3); st.Status != record.StepFailed {
				t.Fatalf("step 3 = %s", st.Status)
			}
			if h.dialer.Dials() != tc.wantDials {
				t.Fatalf("dials = %d, want %d", h.dialer.Dials(), tc.wantDials)
			}
			h.assertSessionsClosed()
		})
	}
}

// cancellingStore marks the task failed once step 4 has succeeded.
type cancellingStore struct {
	*storage.Store
	done bool
}

func (c *cancellingStore) SaveSteps(ctx context.Context, id string, attempt int, steps []record.Step, current int) error {
	if err := c.Store.SaveSteps(ctx, id, attempt, steps, current); err != nil {
		return err
	}
	for _, st := range steps {
		if st.Index == 4 && st.Status == record.StepSuccess && !c.done {
			c.done = true
			return c.Store.FailTask(ctx, id, 0, "Cancelled by operator")
		}
	}
	return nil
}

func TestRunStopsAfterExternalCancel(t *testing.T) {
	h := newHarness(t)
	task := h.newTask("")
	store := &cancellingStore{Store: h.store}
	o := NewOrchestrator(store, h.dialer, fleet.NewResolver(h.store), h.opts)
	if err := o.Run(context.Background(), task.ID, testPassword); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != record.StatusFailed || got.ErrorMessage != "Cancelled by operator" {
		t.Fatalf("status = %s error = %q", got.Status, got.ErrorMessage)
	}
	if len(got.Steps) != 4 {
		t.Fatalf("no step after the cancel should run, steps = %d", len(got.Steps))
	}
	if h.device.Ran("docker pull") != 0 {
		t.Fatalf("images pulled after cancel")
	}
	if len(h.events.events) != 0 {
		t.Fatalf("cancel must not notify twice: %v", h.events.events)
	}
	h.assertSessionsClosed()
}

func TestRunTimeLimitClosesHungCommand(t *testing.T) {
	h := newHarness(t)
	h.device.On("docker pull", remotetest.Response{Block: true})
	task := h.newTask("")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := h.run(ctx, task.ID)

	if got.Status != record.StatusFailed || got.ErrorMessage != "Provisioning time limit exceeded" {
		t.Fatalf("status = %s error = %q", got.Status, got.ErrorMessage)
	}
	if st := stepStatus(t, got, 7); st.Status != record.StepFailed {
		t.Fatalf("step 7 = %s", st.Status)
	}
	if h.device.ChannelCloses() != h.device.ChannelsOpened() {
		t.Fatalf("channels opened %d, closed %d", h.device.ChannelsOpened(), h.device.ChannelCloses())
	}
	h.assertSessionsClosed()
}

func TestRunIgnoresNonPendingTask(t *testing.T) {
	h := newHarness(t)
	task := h.newTask("")
	if err := h.store.FailTask(context.Background(), task.ID, 0, "Cancelled by operator"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got := h.run(context.Background(), task.ID)
	if got.Status != record.StatusFailed || h.dialer.Dials() != 0 || h.dialer.Probes() != 0 {
		t.Fatalf("failed task must not be touched: status=%s dials=%d", got.Status, h.dialer.Dials())
	}
}

// retryingStore cancels and resets the task while step 5 is in flight, the
// way an operator's cancel followed by a retry lands on a live run.
type retryingStore struct {
	*storage.Store
	done bool
}

func (c *retryingStore) SaveSteps(ctx context.Context, id string, attempt int, steps []record.Step, current int) error {
	if err := c.Store.SaveSteps(ctx, id, attempt, steps, current); err != nil {
		return err
	}
	for _, st := range steps {
		if st.Index == 5 && st.Status == record.StepRunning && !c.done {
			c.done = true
			if err := c.Store.FailTask(ctx, id, 0, "Cancelled by operator"); err != nil {
				return err
			}
			_, err := c.Store.ResetTask(ctx, id)
			return err
		}
	}
	return nil
}

func TestRunStopsWhenRetryResetsTaskMidStep(t *testing.T) {
	h := newHarness(t)
	task := h.newTask("http://hub.local")
	store := &retryingStore{Store: h.store}
	o := NewOrchestrator(store, h.dialer, fleet.NewResolver(h.store), h.opts)
	if err := o.Run(context.Background(), task.ID, testPassword); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != record.StatusPending || got.Attempt != 2 {
		t.Fatalf("retry record disturbed: status=%s attempt=%d", got.Status, got.Attempt)
	}
	if len(got.Steps) != 0 || got.Log != "" || got.DeviceID != "" || got.ErrorMessage != "" {
		t.Fatalf("old run wrote into the retry: %+v", got)
	}
	if h.device.Ran("docker pull") != 0 {
		t.Fatalf("old run kept pulling images")
	}
	if n, err := h.store.CountDevices(context.Background()); err != nil || n != 0 {
		t.Fatalf("old run registered a device: n=%d err=%v", n, err)
	}
	if len(h.events.events) != 0 {
		t.Fatalf("superseded run must not notify: %v", h.events.events)
	}
	h.assertSessionsClosed()
}

func TestRunInterruptedBeforeStartFailsTask(t *testing.T) {
	h := newHarness(t)
	task := h.newTask("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := h.run(ctx, task.ID)
	if got.Status != record.StatusFailed || got.ErrorMessage != "Provisioning interrupted: agent is shutting down" {
		t.Fatalf("status = %s error = %q", got.Status, got.ErrorMessage)
	}
	if !strings.Contains(got.Log, "ERROR: Provisioning interrupted") {
		t.Fatalf("log = %q", got.Log)
	}
	if h.dialer.Dials() != 0 || h.dialer.Probes() != 0 {
		t.Fatalf("interrupted run touched the device: dials=%d probes=%d", h.dialer.Dials(), h.dialer.Probes())
	}
	if len(h.events.events) != 1 || h.events.events[0] != string(record.StatusFailed) {
		t.Fatalf("events = %v", h.events.events)
	}
}
