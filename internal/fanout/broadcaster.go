// Package fanout 将读数、告警与状态变更按主题分发给订阅者。
// 分发是尽力而为的：没有订阅者或没有底层传输都不是错误。
package fanout

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
)

const (
	// TopicStatusUpdates 设备状态变更的固定主题
	TopicStatusUpdates = "status_updates"

	defaultBufferSize = 256
	busSubjectPrefix  = "fieldgate."
)

// Envelope 发送给订阅者的消息信封
type Envelope struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// subscriber 一个已连接订阅者：主题集合加有序投递通道
type subscriber struct {
	id     string
	topics map[string]struct{}
	out    chan []byte
}

// Status Broadcaster的只读状态
type Status struct {
	SubscriberCount int      `json:"subscriber_count"`
	Topics          []string `json:"topics"`
	Active          bool     `json:"active"`
}

// Broadcaster 管理订阅关系并向订阅者及可选的NATS总线分发消息。
// 订阅表被所有发布方和连接管理共享，由读写锁保护。
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	bus        *nats.Conn
	bufferSize int
	active     bool
}

// NewBroadcaster 创建Broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:       make(map[string]*subscriber),
		bufferSize: defaultBufferSize,
		active:     true,
	}
}

// AttachBus 挂载NATS连接，之后所有发布同时镜像到总线
func (b *Broadcaster) AttachBus(nc *nats.Conn) {
	b.mu.Lock()
	b.bus = nc
	b.mu.Unlock()
}

// Connect 注册订阅者并返回其投递通道。重复连接返回已有通道。
func (b *Broadcaster) Connect(id string) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		return sub.out
	}
	sub := &subscriber{
		id:     id,
		topics: make(map[string]struct{}),
		out:    make(chan []byte, b.bufferSize),
	}
	b.subs[id] = sub
	log.Debug().Str("subscriber", id).Int("total", len(b.subs)).Msg("订阅者连接")
	return sub.out
}

// Disconnect 注销订阅者，自动退出其全部主题并关闭投递通道
func (b *Broadcaster) Disconnect(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.out)
	log.Debug().Str("subscriber", id).Int("total", len(b.subs)).Msg("订阅者断开")
}

// Subscribe 将订阅者加入主题，重复订阅幂等。订阅者未连接时返回false。
func (b *Broadcaster) Subscribe(id, topic string) bool {
	if topic == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	sub.topics[topic] = struct{}{}
	return true
}

// Unsubscribe 将订阅者移出主题
func (b *Broadcaster) Unsubscribe(id, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(sub.topics, topic)
	}
}

// UnitTopic 单元主题名
func UnitTopic(unitID string) string {
	return "unit_" + unitID
}

// DeviceTopic 设备主题名
func DeviceTopic(deviceID string) string {
	return "device_" + deviceID
}

// PublishReading 向 unit_<unitID> 主题分发规范化读数
func (b *Broadcaster) PublishReading(r model.Reading) {
	b.publish(Envelope{
		Type:      "sensor_data",
		Topic:     UnitTopic(r.UnitID),
		Data:      model.NewSensorDataMessage(r),
		Timestamp: model.NowISO(),
	}, false)
}

// statusAlertSeverity 单元状态转入下列状态时合成系统级告警
var statusAlertSeverity = map[string]model.Severity{
	"offline":     model.SeverityCritical,
	"error":       model.SeverityCritical,
	"maintenance": model.SeverityWarning,
}

// PublishUnitStatus 向 unit_<unitID> 主题分发状态变更；
// 状态转入 offline/error/maintenance 时额外广播一条系统告警。
func (b *Broadcaster) PublishUnitStatus(msg model.UnitStatusMessage) {
	if msg.Timestamp == "" {
		msg.Timestamp = model.NowISO()
	}
	b.publish(Envelope{
		Type:      "unit_status",
		Topic:     UnitTopic(msg.UnitID),
		Data:      msg,
		Timestamp: model.NowISO(),
	}, false)

	if severity, ok := statusAlertSeverity[msg.Status]; ok {
		b.publish(Envelope{
			Type:  "system_alert",
			Topic: "",
			Data: model.SystemAlertMessage{
				Severity:  severity,
				Message:   "unit " + msg.UnitID + " entered status " + msg.Status,
				UnitID:    msg.UnitID,
				Timestamp: model.NowISO(),
			},
			Timestamp: model.NowISO(),
		}, true)
	}
}

// PublishAlert 向所有订阅者广播告警事件，不限主题
func (b *Broadcaster) PublishAlert(evt model.AlertEvent) {
	b.publish(Envelope{
		Type:  "system_alert",
		Topic: "",
		Data: model.SystemAlertMessage{
			Severity:  evt.Severity,
			Message:   evt.Message,
			UnitID:    evt.UnitID,
			Timestamp: model.ISOTime(evt.Timestamp),
		},
		Timestamp: model.NowISO(),
	}, true)
}

// PublishDeviceStatus 向 device_<deviceID> 和固定的 status_updates 主题分发
func (b *Broadcaster) PublishDeviceStatus(msg model.DeviceStatusMessage) {
	if msg.Timestamp == "" {
		msg.Timestamp = model.NowISO()
	}
	env := Envelope{
		Type:      "device_status",
		Topic:     DeviceTopic(msg.DeviceID),
		Data:      msg,
		Timestamp: model.NowISO(),
	}
	b.publish(env, false)

	env.Topic = TopicStatusUpdates
	b.publish(env, false)
}

// publish 序列化并投递。broadcast为真时投递给全部订阅者，
// 否则只投递给envelope主题的订阅者。订阅者通道满时丢弃该订阅者
// 的本条消息，不阻塞发布方。
func (b *Broadcaster) publish(env Envelope, broadcast bool) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", env.Type).Msg("序列化分发消息失败")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.active {
		return
	}

	for _, sub := range b.subs {
		if !broadcast {
			if _, ok := sub.topics[env.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.out <- payload:
		default:
			log.Warn().Str("subscriber", sub.id).Str("type", env.Type).Msg("订阅者通道已满，丢弃消息")
		}
	}

	if b.bus != nil {
		subject := busSubjectPrefix + "alerts"
		if !broadcast {
			subject = busSubjectPrefix + env.Topic
		}
		if err := b.bus.Publish(subject, payload); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("镜像到NATS失败")
		}
	}
}

// ConnectedSubscribers 返回已连接订阅者ID的防御性拷贝
func (b *Broadcaster) ConnectedSubscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.subs))
	for id := range b.subs {
		out = append(out, id)
	}
	return out
}

// SubscribedTopics 返回订阅者的主题集合拷贝，未连接返回nil
func (b *Broadcaster) SubscribedTopics(id string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.topics))
	for t := range sub.topics {
		out = append(out, t)
	}
	return out
}

// GetStatus 返回只读状态，供监控层消费
func (b *Broadcaster) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topicSet := make(map[string]struct{})
	for _, sub := range b.subs {
		for t := range sub.topics {
			topicSet[t] = struct{}{}
		}
	}
	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}

	return Status{
		SubscriberCount: len(b.subs),
		Topics:          topics,
		Active:          b.active,
	}
}

// Close 停止分发并断开所有订阅者
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active = false
	for id, sub := range b.subs {
		close(sub.out)
		delete(b.subs, id)
	}
}
