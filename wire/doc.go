// Package wire defines the MQTT topic layout and the payload codecs for the
// device protocol: reported state, desired configuration, direct commands,
// deployment manifests and status, and device event-log telemetry.
//
// Loosely-typed wire enums are parsed into closed string types; values not
// listed in the protocol are carried through verbatim so newer device
// firmware does not break the tool.
package wire
