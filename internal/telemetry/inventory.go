package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// InventoryFunc returns the current inventory, stale records included.
type InventoryFunc func() []inventory.InstanceRecord

// ObserveInventory registers the dbsentry_instance_info gauge. Every
// collection reads the inventory through list and reports one series
// per instance.
func (p *Provider) ObserveInventory(list InventoryFunc) error {
	_, err := p.meter.Int64ObservableGauge(
		"dbsentry_instance_info",
		metric.WithDescription("Inventoried managed database instances"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, r := range list() {
				o.Observe(1, metric.WithAttributes(instanceAttributes(r)...))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create instance_info: %w", err)
	}
	return nil
}

func instanceAttributes(r inventory.InstanceRecord) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("account", r.AccountID),
		attribute.String("region", r.Region),
		attribute.String("instance", r.InstanceID),
		attribute.String("engine", r.Engine),
		attribute.String("status", r.Status),
		attribute.String("stale", strconv.FormatBool(r.IsStale())),
	}
	if r.InstanceClass != "" {
		attrs = append(attrs, attribute.String("class", r.InstanceClass))
	}
	if r.EngineVersion != "" {
		attrs = append(attrs, attribute.String("engine_version", r.EngineVersion))
	}
	return attrs
}
