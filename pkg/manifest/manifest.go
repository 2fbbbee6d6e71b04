// Package manifest models the disco.json document: service, image,
// volume, published-port, health-check, and resource-limit declarations
// plus their validation rules.
package manifest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/discodeploy/disco/pkg/disco"
	"github.com/robfig/cron/v3"
)

type ServiceType string

const (
	ServiceContainer ServiceType = "container"
	ServiceStatic    ServiceType = "static"
	ServiceGenerator ServiceType = "generator"
	ServiceCommand   ServiceType = "command"
	ServiceCron      ServiceType = "cron"
	ServiceCGI       ServiceType = "cgi"
)

var validServiceTypes = map[ServiceType]bool{
	ServiceContainer: true, ServiceStatic: true, ServiceGenerator: true,
	ServiceCommand: true, ServiceCron: true, ServiceCGI: true,
}

type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

type Volume struct {
	Name            string `json:"name"`
	DestinationPath string `json:"destinationPath"`
}

type PublishedPort struct {
	PublishedAs       int      `json:"publishedAs"`
	FromContainerPort int      `json:"fromContainerPort"`
	Protocol          Protocol `json:"protocol"`
}

type Image struct {
	Dockerfile string `json:"dockerfile"`
	Context    string `json:"context"`
	// Pull, when set, pins to a pre-built remote tag instead of building.
	Pull string `json:"pull,omitempty"`
}

type Health struct {
	Command string `json:"command"`
}

type Resources struct {
	CPULimit          float64 `json:"cpuLimit,omitempty"`
	CPUReservation    float64 `json:"cpuReservation,omitempty"`
	MemoryLimit       string  `json:"memoryLimit,omitempty"`
	MemoryReservation string  `json:"memoryReservation,omitempty"`
}

type Service struct {
	Type              ServiceType     `json:"type,omitempty"`
	Image             string          `json:"image,omitempty"`
	Port              int             `json:"port,omitempty"`
	Command           string          `json:"command,omitempty"`
	PublishedPorts    []PublishedPort `json:"publishedPorts,omitempty"`
	Volumes           []Volume        `json:"volumes,omitempty"`
	Schedule          string          `json:"schedule,omitempty"`
	ExposedInternally bool            `json:"exposedInternally,omitempty"`
	Timeout           int             `json:"timeout,omitempty"`
	Health            *Health         `json:"health,omitempty"`
	Resources         *Resources      `json:"resources,omitempty"`
	PublicPath        string          `json:"publicPath,omitempty"` // type=static
}

type Manifest struct {
	Version  string             `json:"version"`
	Services map[string]Service `json:"services"`
	Images   map[string]Image   `json:"images,omitempty"`
}

const DefaultManifestLiteral = `{"version":"1.0","services":{"web":{}}}`

var memoryRe = regexp.MustCompile(`(?i)^(\d+)([bkmg])b?$`)

// Parse always produces a manifest or a *disco.Error with kind
// InvalidManifest; there is no silent-default path beyond the explicit
// normalization rules.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, disco.InvalidManifest("$", err.Error())
	}
	normalizeDefaults(&m)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	injectDefaultImage(&m)
	return &m, nil
}

// ParseOrDefault falls back to the default {web: container, port 8000}
// manifest when raw is empty, the shape a repo without a disco.json gets.
func ParseOrDefault(raw []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Parse([]byte(DefaultManifestLiteral))
	}
	return Parse(raw)
}

func normalizeDefaults(m *Manifest) {
	for name, svc := range m.Services {
		if svc.Type == "" {
			svc.Type = ServiceContainer
		}
		if svc.Image == "" {
			svc.Image = "default"
		}
		if svc.Port == 0 {
			svc.Port = 8000
		}
		if svc.Schedule == "" && svc.Type == ServiceCron {
			svc.Schedule = "* * * * *"
		}
		if svc.Timeout == 0 {
			svc.Timeout = 300
		}
		m.Services[name] = svc
	}
}

// Validate walks every field and returns the first violation found.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return disco.InvalidManifest("version", "version is required")
	}
	for name, svc := range m.Services {
		path := "services." + name
		if !validServiceTypes[svc.Type] {
			return disco.InvalidManifest(path+".type", "unknown service type: "+string(svc.Type))
		}
		if svc.Type == ServiceCron {
			if _, err := cron.ParseStandard(svc.Schedule); err != nil {
				return disco.InvalidManifest(path+".schedule", "invalid cron expression: "+svc.Schedule)
			}
		}
		for _, pp := range svc.PublishedPorts {
			if pp.Protocol != ProtocolTCP && pp.Protocol != ProtocolUDP {
				return disco.InvalidManifest(path+".publishedPorts", "protocol must be tcp or udp")
			}
		}
		if svc.Resources != nil {
			if err := validateResources(path+".resources", svc.Resources); err != nil {
				return err
			}
		}
	}
	for name, img := range m.Images {
		_ = name
		if img.Pull == "" && img.Dockerfile == "" {
			img.Dockerfile = "Dockerfile"
		}
		if img.Pull == "" && img.Context == "" {
			img.Context = "."
		}
	}
	return nil
}

func validateResources(path string, r *Resources) error {
	if r.CPULimit != 0 && r.CPULimit <= 0 {
		return disco.InvalidManifest(path+".cpuLimit", "must be positive")
	}
	if r.CPUReservation != 0 && r.CPUReservation <= 0 {
		return disco.InvalidManifest(path+".cpuReservation", "must be positive")
	}
	if r.CPULimit != 0 && r.CPUReservation != 0 && r.CPULimit < r.CPUReservation {
		return disco.InvalidManifest(path, "cpuLimit must be >= cpuReservation")
	}
	limitBytes, err := parseMemoryOrEmpty(path+".memoryLimit", r.MemoryLimit)
	if err != nil {
		return err
	}
	resBytes, err := parseMemoryOrEmpty(path+".memoryReservation", r.MemoryReservation)
	if err != nil {
		return err
	}
	if limitBytes > 0 && resBytes > 0 && limitBytes < resBytes {
		return disco.InvalidManifest(path, "memoryLimit must be >= memoryReservation")
	}
	return nil
}

func parseMemoryOrEmpty(path, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return parseMemory(path, s)
}

// parseMemory implements the "<int><unit>" format where unit is one of
// b,k,m,g optionally suffixed 'b'.
func parseMemory(path, s string) (int64, error) {
	m := memoryRe.FindStringSubmatch(s)
	if m == nil {
		return 0, disco.InvalidManifest(path, "invalid memory format: "+s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, disco.InvalidManifest(path, "invalid memory format: "+s)
	}
	mult := map[string]int64{"b": 1, "k": 1 << 10, "m": 1 << 20, "g": 1 << 30}[strings.ToLower(m[2])]
	return n * mult, nil
}

// MemoryLimitBytes returns the parsed memoryLimit, or 0 when unset. The
// format was already validated at parse time.
func (r *Resources) MemoryLimitBytes() int64 {
	n, _ := parseMemoryOrEmpty("", r.MemoryLimit)
	return n
}

func (r *Resources) MemoryReservationBytes() int64 {
	n, _ := parseMemoryOrEmpty("", r.MemoryReservation)
	return n
}

// injectDefaultImage injects a synthetic "default" image with
// dockerfile=Dockerfile, context=. only when some service will actually
// execute and none references an explicit image map entry.
func injectDefaultImage(m *Manifest) {
	if len(m.Images) > 0 {
		return
	}
	needsDefault := false
	for _, svc := range m.Services {
		if svc.Type == ServiceStatic {
			continue
		}
		if svc.Image == "default" {
			needsDefault = true
			break
		}
	}
	if !needsDefault {
		return
	}
	m.Images = map[string]Image{
		"default": {Dockerfile: "Dockerfile", Context: "."},
	}
}

// Serialize produces the canonical JSON bytes for storage, used by the
// manifest round-trip property (parse(serialize(m)) == m).
func (m *Manifest) Serialize() ([]byte, error) {
	return json.Marshal(m)
}
