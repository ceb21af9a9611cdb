package provision

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templateFS embed.FS

// WatchtowerToken authenticates update pushes to the on-device updater.
const WatchtowerToken = "anthias-player-update"

const imageRegistry = "ghcr.io/alex1981-tech"

// composeTemplates selects the workload definition per device class. Every
// entry of fleet.Classes must have one.
var composeTemplates = map[fleet.DeviceClass]string{
	fleet.ClassPi4: "templates/docker-compose-player.yml.tmpl",
	fleet.ClassPi5: "templates/docker-compose-player-pi5.yml.tmpl",
}

// Image is one workload container image.
type Image struct {
	Name string
	Ref  string
}

// WorkloadImages returns the ordered pull list for class.
func WorkloadImages(class fleet.DeviceClass) []Image {
	tag := fmt.Sprintf("latest-%s-64", class)
	return []Image{
		{Name: "redis", Ref: imageRegistry + "/anthias-redis:" + tag},
		{Name: "watchtower", Ref: "containrrr/watchtower:latest"},
		{Name: "nginx", Ref: imageRegistry + "/anthias-nginx:" + tag},
		{Name: "websocket", Ref: imageRegistry + "/anthias-websocket:" + tag},
		{Name: "server", Ref: imageRegistry + "/anthias-server:" + tag},
		{Name: "celery", Ref: imageRegistry + "/anthias-celery:" + tag},
		{Name: "viewer", Ref: imageRegistry + "/anthias-viewer:" + tag},
	}
}

var funcs = template.FuncMap{
	"shellquote": remote.ShellQuote,
}

func render(name string, data any) ([]byte, error) {
	tpl, err := template.New(name[strings.LastIndex(name, "/")+1:]).Funcs(funcs).Option("missingkey=error").ParseFS(templateFS, name)
	if err != nil {
		return nil, errors.Wrapf(err, "provision: parse template %s failed", name)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, errors.Wrapf(err, "provision: render template %s failed", name)
	}
	return buf.Bytes(), nil
}

func static(name string) ([]byte, error) {
	data, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return nil, errors.Wrapf(err, "provision: read bundled %s failed", name)
	}
	return data, nil
}

// ComposeData feeds the workload definition templates.
type ComposeData struct {
	Address         string
	User            string
	Home            string
	MAC             string
	WatchtowerToken string
	Class           fleet.DeviceClass
	images          map[string]string
}

// Image returns the reference of the named workload image.
func (d ComposeData) Image(name string) (string, error) {
	ref, ok := d.images[name]
	if !ok {
		return "", errors.Errorf("unknown image %q", name)
	}
	return ref, nil
}

// RenderCompose renders and validates the workload definition for class.
func RenderCompose(class fleet.DeviceClass, address, user, home, mac string) ([]byte, error) {
	name, ok := composeTemplates[class]
	if !ok {
		return nil, errors.Errorf("provision: no compose template for device class %q", class)
	}
	data := ComposeData{
		Address:         address,
		User:            user,
		Home:            home,
		MAC:             mac,
		WatchtowerToken: WatchtowerToken,
		Class:           class,
		images:          map[string]string{},
	}
	images := WorkloadImages(class)
	for _, img := range images {
		data.images[img.Name] = img.Ref
	}
	out, err := render(name, data)
	if err != nil {
		return nil, err
	}
	if err := validateCompose(out, images); err != nil {
		return nil, err
	}
	return out, nil
}

type composeFile struct {
	Services map[string]struct {
		Image string `yaml:"image"`
	} `yaml:"services"`
}

// validateCompose checks the rendered file parses and runs exactly the
// images that step 7 pulls.
func validateCompose(data []byte, images []Image) error {
	var doc composeFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "provision: rendered compose is not valid YAML")
	}
	if len(doc.Services) == 0 {
		return errors.New("provision: rendered compose has no services")
	}
	want := make(map[string]bool, len(images))
	for _, img := range images {
		want[img.Ref] = false
	}
	for name, svc := range doc.Services {
		if _, ok := want[svc.Image]; !ok {
			return errors.Errorf("provision: service %s uses unpulled image %q", name, svc.Image)
		}
		want[svc.Image] = true
	}
	for ref, used := range want {
		if !used {
			return errors.Errorf("provision: image %s is pulled but not used", ref)
		}
	}
	return nil
}

// RenderPhoneHome renders the heartbeat script.
func RenderPhoneHome(server, token string) ([]byte, error) {
	return render("templates/anthias-phonehome.sh.tmpl", struct {
		Server string
		Token  string
	}{Server: strings.TrimRight(server, "/"), Token: token})
}

// RenderSilentBoot renders the boot hardening script for user.
func RenderSilentBoot(user, home string) ([]byte, error) {
	return render("templates/setup-silent-boot.sh.tmpl", struct {
		User string
		Flag string
	}{User: user, Flag: home + "/.screenly/.silent-boot-done"})
}
