// Package ingest persists device readings and records an event whenever a
// reading is above its group's threshold.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/protocol"
	"github.com/smukkama/sensor-proxy/internal/store"
)

const (
	TemperaturePath = "temperature"
	EventPath       = "event"
	GroupsPath      = "groups"

	// Wall-clock formats written to the store
	UpdateTimeLayout = "2006-01-02 15:04:05"
	EventTimeLayout  = "2006-01-02T15:04:05.000Z"
)

// EventPublisher is satisfied by *queue.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// TemperatureRecord is appended under temperature/<devAddr>
type TemperatureRecord struct {
	DevAddr    string `json:"devAddr"`
	TempVal    any    `json:"tempVal"`
	UpdateTime string `json:"updateTime"`
}

// EventRecord is appended under event
type EventRecord struct {
	DevAddr   string `json:"devAddr"`
	TempVal   any    `json:"tempVal"`
	GroupID   string `json:"groupId"`
	Timestamp string `json:"timestamp"`
}

// Result summarises one Ingest call
type Result struct {
	Readings int
	Events   int
	Failed   int
}

// Ingester writes readings and events to the record store
type Ingester struct {
	store            store.Store
	sensorCollection string
	publisher        EventPublisher
	logger           *zap.Logger
	now              func() time.Time
}

// Option configures an Ingester
type Option func(*Ingester)

// WithPublisher forwards every recorded event to p.
func WithPublisher(p EventPublisher) Option {
	return func(i *Ingester) { i.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Ingester) { i.now = now }
}

// NewIngester creates an ingester. sensorCollection is the top-level path
// that holds device records with their groupId ("sensors" or "devices").
func NewIngester(s store.Store, sensorCollection string, logger *zap.Logger, opts ...Option) *Ingester {
	i := &Ingester{
		store:            s,
		sensorCollection: sensorCollection,
		logger:           logger,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest processes readings in order. A failed write is logged and the
// batch continues; missing group data only suppresses the event.
func (i *Ingester) Ingest(ctx context.Context, address string, readings []protocol.Reading) Result {
	var result Result

	for _, r := range readings {
		devAddr := r.DevAddr
		if devAddr == "" {
			devAddr = address
		}

		record := TemperatureRecord{
			DevAddr:    devAddr,
			TempVal:    rawValue(r.TempVal),
			UpdateTime: r.UpdateTime,
		}
		if record.UpdateTime == "" {
			record.UpdateTime = i.now().Local().Format(UpdateTimeLayout)
		}

		if _, err := i.store.Push(ctx, store.Join(TemperaturePath, devAddr), record); err != nil {
			i.logger.Error("failed to save reading",
				zap.String("address", address),
				zap.String("dev_addr", devAddr),
				zap.Error(err),
			)
			result.Failed++
			continue
		}
		result.Readings++

		raised, err := i.evaluate(ctx, devAddr, r)
		if err != nil {
			i.logger.Error("failed to record event",
				zap.String("dev_addr", devAddr),
				zap.Error(err),
			)
			result.Failed++
			continue
		}
		if raised {
			result.Events++
		}
	}

	return result
}

// evaluate applies the threshold rule to one reading and records the event.
func (i *Ingester) evaluate(ctx context.Context, devAddr string, r protocol.Reading) (bool, error) {
	value, ok := r.Temperature()
	if !ok {
		return false, nil
	}

	groupID, ok := i.lookupGroupID(ctx, devAddr)
	if !ok {
		return false, nil
	}

	group, ok := i.lookupGroup(ctx, groupID)
	if !ok {
		return false, nil
	}

	threshold, ok := toFloat(group["temp"])
	if !ok || value <= threshold {
		return false, nil
	}

	now := i.now().UTC()
	event := EventRecord{
		DevAddr:   devAddr,
		TempVal:   rawValue(r.TempVal),
		GroupID:   groupID,
		Timestamp: now.Format(EventTimeLayout),
	}

	eventID, err := i.store.Push(ctx, EventPath, event)
	if err != nil {
		return false, err
	}

	i.logger.Info("temperature threshold exceeded",
		zap.String("dev_addr", devAddr),
		zap.String("group_id", groupID),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold),
	)

	if i.publisher != nil {
		groupName, _ := group["name"].(string)
		i.publish(ctx, &protocol.EventNotification{
			Type:      protocol.EventTypeThresholdExceeded,
			EventID:   eventID,
			DevAddr:   devAddr,
			GroupID:   groupID,
			GroupName: groupName,
			Value:     value,
			Threshold: threshold,
			Timestamp: now,
		})
	}

	return true, nil
}

func (i *Ingester) lookupGroupID(ctx context.Context, devAddr string) (string, bool) {
	var sensor map[string]any
	found, err := store.GetInto(ctx, i.store, store.Join(i.sensorCollection, devAddr), &sensor)
	if err != nil {
		i.logger.Warn("sensor lookup failed", zap.String("dev_addr", devAddr), zap.Error(err))
		return "", false
	}
	if !found {
		return "", false
	}

	switch v := sensor["groupId"].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

func (i *Ingester) lookupGroup(ctx context.Context, groupID string) (map[string]any, bool) {
	var group map[string]any
	found, err := store.GetInto(ctx, i.store, store.Join(GroupsPath, groupID), &group)
	if err != nil {
		i.logger.Warn("group lookup failed", zap.String("group_id", groupID), zap.Error(err))
		return nil, false
	}
	return group, found && group != nil
}

func (i *Ingester) publish(ctx context.Context, n *protocol.EventNotification) {
	data, err := protocol.EncodeEventNotification(n)
	if err != nil {
		i.logger.Error("failed to encode event notification", zap.Error(err))
		return
	}

	if err := i.publisher.Publish(ctx, n.DevAddr, data); err != nil {
		i.logger.Error("failed to publish event notification",
			zap.String("dev_addr", n.DevAddr),
			zap.Error(err),
		)
	}
}

// rawValue keeps the value exactly as the device sent it, or null.
func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}

// toFloat coerces JSON numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// String implements fmt.Stringer for log output.
func (r Result) String() string {
	return fmt.Sprintf("readings=%d events=%d failed=%d", r.Readings, r.Events, r.Failed)
}
