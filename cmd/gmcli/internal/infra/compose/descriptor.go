package compose

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrServiceNotFound is returned when a named service is not in the descriptor.
	ErrServiceNotFound = errors.New("service not found")

	// ErrMalformedDescriptor is returned when the compose document cannot be parsed.
	ErrMalformedDescriptor = errors.New("malformed compose descriptor")
)

// Descriptor is a structured, mutable model of a compose file.
//
// # Description
//
// Descriptor wraps the parsed YAML document so that port shifts, name
// suffixing, and image substitution operate on fields rather than on
// text. Unknown sections and comments survive a parse/mutate/serialize
// round trip untouched.
//
// # Thread Safety
//
// Descriptor is NOT safe for concurrent use.
type Descriptor struct {
	doc *yaml.Node
}

// ParseDescriptor parses compose YAML into a Descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: document root is not a mapping", ErrMalformedDescriptor)
	}
	d := &Descriptor{doc: &doc}
	if d.servicesNode() == nil {
		return nil, fmt.Errorf("%w: missing services section", ErrMalformedDescriptor)
	}
	return d, nil
}

// LoadDescriptor reads and parses a compose file from disk.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compose file %s: %w", path, err)
	}
	return ParseDescriptor(data)
}

// Marshal serializes the descriptor back to YAML.
func (d *Descriptor) Marshal() ([]byte, error) {
	return yaml.Marshal(d.doc.Content[0])
}

// WriteFile serializes the descriptor to the given path.
func (d *Descriptor) WriteFile(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Services returns the service names in declaration order.
func (d *Descriptor) Services() []string {
	services := d.servicesNode()
	names := make([]string, 0, len(services.Content)/2)
	for i := 0; i < len(services.Content); i += 2 {
		names = append(names, services.Content[i].Value)
	}
	return names
}

// Image returns the image reference of the named service.
func (d *Descriptor) Image(service string) (string, error) {
	svc := d.serviceNode(service)
	if svc == nil {
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	if img := mappingValue(svc, "image"); img != nil {
		return img.Value, nil
	}
	return "", nil
}

// SetImage replaces the image reference of the named service.
func (d *Descriptor) SetImage(service, image string) error {
	svc := d.serviceNode(service)
	if svc == nil {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	if img := mappingValue(svc, "image"); img != nil {
		img.SetString(image)
		return nil
	}
	svc.Content = append(svc.Content,
		scalarNode("image"), scalarNode(image))
	return nil
}

// SetServiceImageTag rewrites the tag portion of a service's image,
// preserving registry and repository.
func (d *Descriptor) SetServiceImageTag(service, tag string) error {
	current, err := d.Image(service)
	if err != nil {
		return err
	}
	if current == "" {
		return fmt.Errorf("%w: service %s has no image", ErrMalformedDescriptor, service)
	}
	return d.SetImage(service, replaceTag(current, tag))
}

// ShiftPublishedPorts adds offset to every published host port across all
// services. Container-side ports are untouched. Entries without a host
// port (single-port short syntax) are left as-is.
//
// Both short syntax ("8080:80", "127.0.0.1:8080:80/tcp") and long syntax
// (published: 8080) are handled.
func (d *Descriptor) ShiftPublishedPorts(offset int) error {
	services := d.servicesNode()
	for i := 1; i < len(services.Content); i += 2 {
		ports := mappingValue(services.Content[i], "ports")
		if ports == nil || ports.Kind != yaml.SequenceNode {
			continue
		}
		for _, entry := range ports.Content {
			if err := shiftPortEntry(entry, offset); err != nil {
				return fmt.Errorf("service %s: %w", services.Content[i-1].Value, err)
			}
		}
	}
	return nil
}

// PublishedPorts returns the published host ports per service.
func (d *Descriptor) PublishedPorts() map[string][]int {
	out := make(map[string][]int)
	services := d.servicesNode()
	for i := 0; i < len(services.Content); i += 2 {
		name := services.Content[i].Value
		ports := mappingValue(services.Content[i+1], "ports")
		if ports == nil || ports.Kind != yaml.SequenceNode {
			continue
		}
		for _, entry := range ports.Content {
			if p, ok := publishedPort(entry); ok {
				out[name] = append(out[name], p)
			}
		}
	}
	return out
}

// SuffixContainerNames appends suffix to every explicit container_name.
// Services without container_name derive their container names from the
// compose project name, which the caller suffixes instead.
func (d *Descriptor) SuffixContainerNames(suffix string) {
	services := d.servicesNode()
	for i := 1; i < len(services.Content); i += 2 {
		if cn := mappingValue(services.Content[i], "container_name"); cn != nil {
			cn.SetString(cn.Value + suffix)
		}
	}
}

// =============================================================================
// YAML node helpers
// =============================================================================

func (d *Descriptor) servicesNode() *yaml.Node {
	return mappingValue(d.doc.Content[0], "services")
}

func (d *Descriptor) serviceNode(name string) *yaml.Node {
	services := d.servicesNode()
	if services == nil {
		return nil
	}
	return mappingValue(services, name)
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func scalarNode(value string) *yaml.Node {
	n := &yaml.Node{}
	n.SetString(value)
	return n
}

// shiftPortEntry rewrites one ports list entry in place.
func shiftPortEntry(entry *yaml.Node, offset int) error {
	switch entry.Kind {
	case yaml.ScalarNode:
		shifted, changed, err := shiftShortSyntax(entry.Value, offset)
		if err != nil {
			return err
		}
		if changed {
			entry.SetString(shifted)
		}
		return nil
	case yaml.MappingNode:
		published := mappingValue(entry, "published")
		if published == nil {
			return nil
		}
		port, err := strconv.Atoi(published.Value)
		if err != nil {
			// Published port ranges ("8000-8010") are not used by this
			// stack; reject rather than guess.
			return fmt.Errorf("%w: unsupported published port %q", ErrMalformedDescriptor, published.Value)
		}
		published.SetString(strconv.Itoa(port + offset))
		return nil
	default:
		return fmt.Errorf("%w: unsupported ports entry", ErrMalformedDescriptor)
	}
}

// shiftShortSyntax shifts the host port in short syntax port strings.
// Returns the rewritten string and whether a host port was present.
func shiftShortSyntax(value string, offset int) (string, bool, error) {
	spec := value
	proto := ""
	if idx := strings.LastIndex(spec, "/"); idx >= 0 {
		proto = spec[idx:]
		spec = spec[:idx]
	}

	parts := strings.Split(spec, ":")
	var hostIdx int
	switch len(parts) {
	case 1:
		// Container port only; nothing published explicitly.
		return value, false, nil
	case 2:
		hostIdx = 0
	case 3:
		hostIdx = 1
	default:
		return "", false, fmt.Errorf("%w: unsupported port %q", ErrMalformedDescriptor, value)
	}

	port, err := strconv.Atoi(parts[hostIdx])
	if err != nil {
		return "", false, fmt.Errorf("%w: non-numeric host port %q", ErrMalformedDescriptor, value)
	}
	parts[hostIdx] = strconv.Itoa(port + offset)
	return strings.Join(parts, ":") + proto, true, nil
}

func publishedPort(entry *yaml.Node) (int, bool) {
	switch entry.Kind {
	case yaml.ScalarNode:
		spec := entry.Value
		if idx := strings.LastIndex(spec, "/"); idx >= 0 {
			spec = spec[:idx]
		}
		parts := strings.Split(spec, ":")
		var hostIdx int
		switch len(parts) {
		case 2:
			hostIdx = 0
		case 3:
			hostIdx = 1
		default:
			return 0, false
		}
		p, err := strconv.Atoi(parts[hostIdx])
		return p, err == nil
	case yaml.MappingNode:
		published := mappingValue(entry, "published")
		if published == nil {
			return 0, false
		}
		p, err := strconv.Atoi(published.Value)
		return p, err == nil
	}
	return 0, false
}

// replaceTag substitutes the tag in an image reference, preserving any
// registry host (which may itself contain a colon for the port).
func replaceTag(image, tag string) string {
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[:colon] + ":" + tag
	}
	return image + ":" + tag
}
