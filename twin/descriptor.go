package twin

import (
	"errors"
	"fmt"
)

// ErrUnknownPath is returned for property paths outside the schema.
var ErrUnknownPath = errors.New("unknown property path")

// ErrSchemaViolation is returned for values that do not satisfy the schema
// description of their path.
var ErrSchemaViolation = errors.New("schema violation")

// Descriptor describes one property path of the device schema.
type Descriptor struct {
	Path     string
	Kind     Kind
	Writable bool
	// Min and Max bound Int properties when both are set.
	Min, Max *int64
	// Enum lists the admissible values of Enum properties.
	Enum []string
}

// Schema is the fixed description of all valid property paths.
type Schema struct {
	descriptors map[string]Descriptor
}

// NewSchema builds a schema from the given descriptors.
func NewSchema(descriptors []Descriptor) *Schema {
	s := &Schema{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		s.descriptors[d.Path] = d
	}
	return s
}

// Lookup returns the descriptor for path.
func (s *Schema) Lookup(path string) (Descriptor, bool) {
	d, ok := s.descriptors[path]
	return d, ok
}

// Validate checks value against the schema description of path. Paths outside
// the schema fail with ErrUnknownPath, inadmissible values with
// ErrSchemaViolation; state is never touched here.
func (s *Schema) Validate(path string, value Value) error {
	d, ok := s.descriptors[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if !d.Writable {
		return fmt.Errorf("%w: %s is read-only", ErrSchemaViolation, path)
	}
	if value.Kind() != d.Kind {
		return fmt.Errorf("%w: %s expects %s, got %s", ErrSchemaViolation, path, d.Kind, value.Kind())
	}
	if d.Kind == Int && d.Min != nil && d.Max != nil {
		if value.Int() < *d.Min || value.Int() > *d.Max {
			return fmt.Errorf("%w: %s must be in [%d,%d], got %d",
				ErrSchemaViolation, path, *d.Min, *d.Max, value.Int())
		}
	}
	if d.Kind == Enum {
		for _, admissible := range d.Enum {
			if value.Text() == admissible {
				return nil
			}
		}
		return fmt.Errorf("%w: %s does not admit %q", ErrSchemaViolation, path, value.Text())
	}
	return nil
}

func intRange(min, max int64) (*int64, *int64) {
	return &min, &max
}

// DefaultSchema returns the property schema of the edge camera device family
// this tool speaks to.
func DefaultSchema() *Schema {
	var descriptors []Descriptor

	writable := func(d Descriptor) {
		d.Writable = true
		descriptors = append(descriptors, d)
	}
	reported := func(path string, kind Kind) {
		descriptors = append(descriptors, Descriptor{Path: path, Kind: kind})
	}

	// network settings
	writable(Descriptor{Path: "network_settings.ip_method", Kind: Enum, Enum: []string{"dhcp", "static"}})
	writable(Descriptor{Path: "network_settings.ntp_url", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv4_ip", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv4_subnet_mask", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv4_gateway", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv4_dns", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv6_ip", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv6_subnet_mask", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv6_gateway", Kind: Text})
	writable(Descriptor{Path: "network_settings.static_ipv6_dns", Kind: Text})
	writable(Descriptor{Path: "network_settings.proxy_url", Kind: Text})
	{
		min, max := intRange(0, 65535)
		writable(Descriptor{Path: "network_settings.proxy_port", Kind: Int, Min: min, Max: max})
	}
	writable(Descriptor{Path: "network_settings.proxy_user_name", Kind: Text})
	writable(Descriptor{Path: "network_settings.proxy_password", Kind: Text})

	// wireless settings
	writable(Descriptor{Path: "wireless_setting.sta_mode_setting.ssid", Kind: Text})
	writable(Descriptor{Path: "wireless_setting.sta_mode_setting.password", Kind: Text})
	writable(Descriptor{Path: "wireless_setting.sta_mode_setting.encryption", Kind: Enum,
		Enum: []string{"wpa2_psk", "wpa3_psk", "none"}})

	// system settings
	writable(Descriptor{Path: "system_settings.led_enabled", Kind: Bool})
	{
		min, max := intRange(1, 3600)
		writable(Descriptor{Path: "system_settings.temperature_update_interval", Kind: Int, Min: min, Max: max})
	}

	// agent report intervals
	{
		min, max := intRange(1, 180)
		writable(Descriptor{Path: "agent.report_status_interval_min", Kind: Int, Min: min, Max: max})
	}
	{
		min, max := intRange(1, 1440)
		writable(Descriptor{Path: "agent.report_status_interval_max", Kind: Int, Min: min, Max: max})
	}

	// device-authoritative paths, visible but never configurable
	reported("device_info.manufacturer", Text)
	reported("device_info.model", Text)
	reported("device_info.serial", Text)
	reported("device_info.firmware_version", Text)
	reported("device_state.process_state", Text)
	reported("device_state.hours_meter", Int)
	reported("device_state.bootup_reason", Int)
	reported("device_state.last_bootup_time", Text)
	reported("device_state.is_battery_low", Bool)
	reported("system_settings.internal_temperature", Float)

	return NewSchema(descriptors)
}
