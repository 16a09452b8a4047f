package nats

import (
	"strings"
)

// ToNATSSubject converts an MQTT topic format to NATS subject format
// MQTT uses / as separators and +/# as wildcards
// NATS uses . as separators and */> as wildcards
func ToNATSSubject(mqttTopic string) string {
	subject := strings.ReplaceAll(mqttTopic, "+", "*")
	subject = strings.ReplaceAll(subject, "#", ">")
	return strings.ReplaceAll(subject, "/", ".")
}
