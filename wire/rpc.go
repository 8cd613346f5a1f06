package wire

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// CommandMethod is the wire name of a direct command.
type CommandMethod string

const (
	// MethodReboot reboots the device.
	MethodReboot CommandMethod = "reboot"
	// MethodDirectGetImage captures a single camera frame.
	MethodDirectGetImage CommandMethod = "direct_get_image"
	// MethodFactoryReset wipes the device back to factory state.
	MethodFactoryReset CommandMethod = "factory_reset"
)

// Known reports whether the method is part of the protocol.
func (m CommandMethod) Known() bool {
	switch m {
	case MethodReboot, MethodDirectGetImage, MethodFactoryReset:
		return true
	}
	return false
}

// CommandStatus is the top-level status of a direct-command response.
// Unlisted values are carried through verbatim.
type CommandStatus string

const (
	// CommandStatusOK signals successful execution.
	CommandStatusOK CommandStatus = "ok"
	// CommandStatusError signals failed execution.
	CommandStatusError CommandStatus = "error"
)

// Known reports whether the status is part of the protocol.
func (s CommandStatus) Known() bool {
	return s == CommandStatusOK || s == CommandStatusError
}

// ResInfo is the result detail of a direct command. The code values follow
// the canonical response-code table.
type ResInfo struct {
	ResID     string `json:"res_id,omitempty"`
	Code      int    `json:"code"`
	DetailMsg string `json:"detail_msg"`
}

var responseCodeNames = map[int]string{
	0:  "OK",
	1:  "CANCELLED",
	2:  "UNKNOWN",
	3:  "INVALID_ARGUMENT",
	4:  "DEADLINE_EXCEEDED",
	5:  "NOT_FOUND",
	6:  "ALREADY_EXISTS",
	7:  "PERMISSION_DENIED",
	8:  "RESOURCE_EXHAUSTED",
	9:  "FAILED_PRECONDITION",
	10: "ABORTED",
	11: "OUT_OF_RANGE",
	12: "UNIMPLEMENTED",
	13: "INTERNAL",
	14: "UNAVAILABLE",
	15: "DATA_LOSS",
	16: "UNAUTHENTICATED",
}

// CodeString returns the canonical name for the result code, or the numeric
// value for codes outside the table.
func (r ResInfo) CodeString() string {
	if name, ok := responseCodeNames[r.Code]; ok {
		return fmt.Sprintf("%s(%d)", name, r.Code)
	}
	return strconv.Itoa(r.Code)
}

type commandRequestBody struct {
	ReqID  string `json:"reqid"`
	Method string `json:"method"`
	Params string `json:"params,omitempty"`
}

type commandRequestEnvelope struct {
	Request commandRequestBody `json:"direct-command-request"`
}

// EncodeCommandRequest builds an outbound direct-command payload. params is
// an optional JSON document; the device receives it as an embedded string.
func EncodeCommandRequest(requestID uint32, method CommandMethod, params []byte) ([]byte, error) {
	if !method.Known() {
		return nil, fmt.Errorf("unknown command method %q", method)
	}
	return json.Marshal(commandRequestEnvelope{
		Request: commandRequestBody{
			ReqID:  strconv.FormatUint(uint64(requestID), 10),
			Method: string(method),
			Params: string(params),
		},
	})
}

type commandResponseBody struct {
	Status   string `json:"status"`
	ReqID    string `json:"reqid"`
	Response string `json:"response"`
}

type commandResponseEnvelope struct {
	Response *commandResponseBody `json:"direct-command-response"`
}

type commandResponseDetail struct {
	ResInfo ResInfo `json:"res_info"`
	Image   string  `json:"image,omitempty"`
}

// CommandResponse is a decoded direct-command response. Image stays in its
// text-safe encoding until DecodeImage is called.
type CommandResponse struct {
	Status  CommandStatus
	ReqID   uint32
	ResInfo ResInfo
	Image   string
}

// ParseCommandResponse decodes an inbound direct-command response. The result
// detail is an escaped JSON document embedded in the outer envelope.
func ParseCommandResponse(payload []byte) (CommandResponse, error) {
	var envelope commandResponseEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return CommandResponse{}, fmt.Errorf("cannot decode command response: %w", err)
	}
	if envelope.Response == nil {
		return CommandResponse{}, fmt.Errorf("payload is not a direct-command-response")
	}

	reqID, err := strconv.ParseUint(envelope.Response.ReqID, 10, 32)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("invalid reqid %q: %w", envelope.Response.ReqID, err)
	}

	var detail commandResponseDetail
	if err := json.Unmarshal([]byte(envelope.Response.Response), &detail); err != nil {
		return CommandResponse{}, fmt.Errorf("cannot decode response detail: %w", err)
	}

	return CommandResponse{
		Status:  CommandStatus(envelope.Response.Status),
		ReqID:   uint32(reqID),
		ResInfo: detail.ResInfo,
		Image:   detail.Image,
	}, nil
}

// HasImage reports whether the response carries an image.
func (r CommandResponse) HasImage() bool {
	return r.Image != ""
}

// DecodeImage decodes the embedded base64 image. A corrupt encoding is an
// error, never an empty image.
func (r CommandResponse) DecodeImage() ([]byte, error) {
	if r.Image == "" {
		return nil, fmt.Errorf("response carries no image")
	}
	data, err := base64.StdEncoding.DecodeString(r.Image)
	if err != nil {
		return nil, fmt.Errorf("corrupt image encoding: %w", err)
	}
	return data, nil
}
