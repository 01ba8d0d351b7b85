package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/k2000-logger/pkg/config"
	"github.com/ericogr/k2000-logger/pkg/output"
	"github.com/ericogr/k2000-logger/pkg/sample"
)

const (
	// defaults
	DefaultServer      = "tcp://localhost:1883"
	DefaultClientID    = "k2000-logger"
	perChannelTopicFmt = "k2000/channel/%d"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	valueTemplateNormal    = "{{ value_json.normalized }}"
)

type MQTTOutput struct {
	client     mqtt.Client
	stateTopic string
}

func NewMQTT(cfg config.MQTTConfig, channels []config.ChannelConfig) (output.Output, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	m := &MQTTOutput{client: client, stateTopic: cfg.StateTopic}

	// Home Assistant discovery, one entity per channel
	if cfg.DiscoveryTopic != "" {
		for _, ch := range channels {
			dTopic := cfg.DiscoveryTopic
			if strings.Contains(dTopic, "%d") {
				dTopic = fmt.Sprintf(dTopic, ch.Channel)
			}
			payload := discoveryPayload(cfg, ch.Channel)
			if err := publishJSON(client, dTopic, true, payload); err != nil {
				log.Printf("mqtt discovery publish error: %v", err)
			}
		}
	}

	return m, nil
}

func (m *MQTTOutput) Publish(samples []sample.Sample) error {
	for _, s := range samples {
		b, err := json.Marshal(statePayload(s))
		if err != nil {
			return err
		}
		token := m.client.Publish(formatStateTopic(m.stateTopic, s.Channel), 0, false, b)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func statePayload(s sample.Sample) map[string]interface{} {
	payload := map[string]interface{}{
		"channel":       s.Channel,
		"sink":          s.Sink,
		"elapsed_hours": s.Elapsed,
	}
	if s.Normalized != nil {
		payload["normalized"] = *s.Normalized
	}
	if s.Calibrated != nil {
		payload["calibrated"] = *s.Calibrated
	}
	if s.Raw != nil {
		payload["raw"] = *s.Raw
	}
	return payload
}

// helper: format a state topic for a channel using an optional formatter
func formatStateTopic(base string, ch int) string {
	if base != "" {
		if strings.Contains(base, "%d") {
			return fmt.Sprintf(base, ch)
		}
		return base
	}
	return fmt.Sprintf(perChannelTopicFmt, ch)
}

func discoveryPayload(cfg config.MQTTConfig, ch int) map[string]interface{} {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Keithley 2000 %s", cfg.ClientID)
	}
	stateTopic := formatStateTopic(cfg.StateTopic, ch)
	payload := map[string]interface{}{
		keyName:                fmt.Sprintf("%s ch%d", name, ch),
		keyStateTopic:          stateTopic,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateNormal,
		keyJSONAttributesTopic: stateTopic,
	}
	if cfg.Unit != "" {
		payload[keyUnitOfMeasurement] = cfg.Unit
	}
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" {
		payload[keyUniqueID] = fmt.Sprintf("%s_%d", uid, ch)
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
