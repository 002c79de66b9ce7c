package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publishTimeout bounds the wait for a publish acknowledgement.
const publishTimeout = 5 * time.Second

// publisher is the part of mqtt.Client the bridge publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// moResult is published on <topic>/mo/result for every submission.
type moResult struct {
	// Ref echoes the name requested by the caller.
	Ref   string `json:"ref,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
	Code  int    `json:"code"`
}

// Bridge connects the modem to an MQTT broker: MO submissions arrive on
// <topic>/mo/send, their results and unsolicited modem lines are published
// on <topic>/mo/result and <topic>/events.
type Bridge struct {
	Logger *slog.Logger
	Modem  Gateway
	Topic  string

	client publisher
	ctx    context.Context
}

func (b *Bridge) sendTopic() string   { return b.Topic + "/mo/send" }
func (b *Bridge) resultTopic() string { return b.Topic + "/mo/result" }
func (b *Bridge) eventTopic() string  { return b.Topic + "/events" }

// StartMQTT connects to the broker and subscribes to the send topic on
// every (re)connect. The client disconnects when ctx is done.
func StartMQTT(ctx context.Context, config *Config, gw Gateway, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{Logger: logger, Modem: gw, Topic: config.MQTTTopic, ctx: ctx}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	opts.SetClientID(config.MQTTClientID)
	if config.MQTTUsername != "" {
		opts.SetUsername(config.MQTTUsername)
		opts.SetPassword(config.MQTTPassword)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT connected", "topic", b.sendTopic())
		token := c.Subscribe(b.sendTopic(), 1, func(_ mqtt.Client, m mqtt.Message) {
			b.HandleSend(m.Payload())
		})
		if token.Wait() && token.Error() != nil {
			logger.Error("MQTT subscribe failed", "topic", b.sendTopic(), "error", token.Error())
		}
	})

	client := mqtt.NewClient(opts)
	b.client = client
	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return nil, token.Error()
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(500)
	}()
	return b, nil
}

// HandleSend submits the JSON moRequest in payload and publishes the
// outcome.
func (b *Bridge) HandleSend(payload []byte) {
	var req moRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.Logger.Warn("MQTT bad payload", "error", err)
		b.publish(b.resultTopic(), moResult{Error: err.Error(), Code: 400})
		return
	}
	result := moResult{Ref: req.Name}

	msg, err := req.submission()
	if err != nil {
		result.Error, result.Code = err.Error(), 400
		b.publish(b.resultTopic(), result)
		return
	}

	name, err := b.Modem.SubmitMO(b.ctx, msg)
	if err != nil {
		b.Logger.Warn("MQTT MO submission failed", "error", err)
		result.Error, result.Code = err.Error(), statusFor(err)
	} else {
		b.Logger.Info("MO message queued", "name", name, "sin", msg.SIN, "source", "mqtt")
		result.Name, result.Code = name, 202
	}
	b.publish(b.resultTopic(), result)
}

// PublishEvent forwards an unsolicited line. It is registered as a hub
// sink and must not block, so the acknowledgement is awaited elsewhere.
func (b *Bridge) PublishEvent(ev Event) {
	go b.publish(b.eventTopic(), ev)
}

func (b *Bridge) publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.Logger.Error("MQTT marshal failed", "topic", topic, "error", err)
		return
	}
	token := b.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		b.Logger.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.Logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}
