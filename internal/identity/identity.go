// Package identity resolves the gateway's product and device serial numbers
// and expands topic templates with them.
package identity

import (
	"encoding/json"
	"os"
	"strings"

	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/logger"
)

const (
	autoSerial     = "auto"
	fallbackSerial = "dev_001"
	serialEnv      = "DEVICE_SERIAL_NUMBER"
)

// SerialPaths are probed in order when the device serial is "auto".
var SerialPaths = []string{
	"/proc/device-tree/serial-number",
	"/sys/class/dmi/id/product_serial",
}

// Identity is the resolved device identity.
type Identity struct {
	ProductSN  string
	DeviceSN   string
	DeviceType string
	IsGateway  bool

	templates config.TopicsConfig
}

// Topics holds every template with placeholders substituted.
type Topics struct {
	Status        string `json:"status"`
	Property      string `json:"property"`
	Read          string `json:"read"`
	ReadReply     string `json:"read_reply"`
	Write         string `json:"write"`
	WriteReply    string `json:"write_reply"`
	CallData      string `json:"call_data"`
	CallDataReply string `json:"call_data_reply"`
	Alarm         string `json:"alarm"`
}

// New resolves the identity described by dev.
func New(dev config.DeviceConfig, templates config.TopicsConfig, log *logger.Logger) *Identity {
	id := &Identity{
		ProductSN:  dev.ProductSN,
		DeviceSN:   dev.DeviceSN,
		DeviceType: dev.DeviceType,
		IsGateway:  dev.IsGateway,
		templates:  templates,
	}
	if id.DeviceSN == "" || id.DeviceSN == autoSerial {
		id.DeviceSN = DetectSerial(SerialPaths, log)
	}

	log.Info("device identity loaded",
		"productSN", id.ProductSN,
		"deviceSN", id.DeviceSN,
		"deviceType", id.DeviceType,
		"isGateway", id.IsGateway)
	return id
}

// DetectSerial returns the first non-empty serial from paths, then the
// DEVICE_SERIAL_NUMBER environment variable, then a fixed development value.
func DetectSerial(paths []string, log *logger.Logger) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		// device-tree strings are NUL terminated
		if serial := strings.TrimSpace(strings.Trim(string(data), "\x00")); serial != "" {
			log.Debug("device serial read", "path", p)
			return serial
		}
	}

	if serial := strings.TrimSpace(os.Getenv(serialEnv)); serial != "" {
		return serial
	}

	log.Warn("device serial unavailable, using development value", "serial", fallbackSerial)
	return fallbackSerial
}

// FormatTopic substitutes {productSN} and {deviceSN} in tmpl.
func (i *Identity) FormatTopic(tmpl string) string {
	return strings.NewReplacer(
		"{productSN}", i.ProductSN,
		"{deviceSN}", i.DeviceSN,
	).Replace(tmpl)
}

// Topics returns every configured topic resolved for this device.
func (i *Identity) Topics() Topics {
	t := i.templates
	return Topics{
		Status:        i.FormatTopic(t.Status),
		Property:      i.FormatTopic(t.Property),
		Read:          i.FormatTopic(t.Read),
		ReadReply:     i.FormatTopic(t.ReadReply),
		Write:         i.FormatTopic(t.Write),
		WriteReply:    i.FormatTopic(t.WriteReply),
		CallData:      i.FormatTopic(t.CallData),
		CallDataReply: i.FormatTopic(t.CallDataReply),
		Alarm:         i.FormatTopic(t.Alarm),
	}
}

// StatusPayload builds the online/offline status body. A gateway reports
// an empty gateway field; a sub-device reports its own serial.
func (i *Identity) StatusPayload(online bool) []byte {
	kind := "offline"
	if online {
		kind = "online"
	}
	gateway := ""
	if !i.IsGateway {
		gateway = i.DeviceSN
	}
	b, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Gateway string `json:"gateway"`
	}{kind, gateway})
	return b
}

// Info describes the identity for the status endpoint.
func (i *Identity) Info() map[string]interface{} {
	return map[string]interface{}{
		"product_sn":  i.ProductSN,
		"device_sn":   i.DeviceSN,
		"device_type": i.DeviceType,
		"is_gateway":  i.IsGateway,
		"topics":      i.Topics(),
	}
}
