package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

// Prometheus-style counters (uint64 via atomic)
var (
	itemsAccepted     atomic.Uint64
	itemsIgnored      atomic.Uint64
	itemsExpected     atomic.Uint64
	itemsAcknowledged atomic.Uint64
	ackRejected       atomic.Uint64
	ackSaveConflict   atomic.Uint64
	itemsPublished    atomic.Uint64
	publishFailures   atomic.Uint64
	dlqWrites         atomic.Uint64
	wsConnections     atomic.Int64 // gauge semantics
	catalogStarts     atomic.Uint64
	oidcInitSuccess   atomic.Uint64
	oidcInitFailure   atomic.Uint64
)

func IncItemsAccepted()     { itemsAccepted.Add(1) }
func IncItemsIgnored()      { itemsIgnored.Add(1) }
func IncItemsExpected()     { itemsExpected.Add(1) }
func IncItemsAcknowledged() { itemsAcknowledged.Add(1) }
func IncAckRejected()       { ackRejected.Add(1) }
func IncAckSaveConflict()   { ackSaveConflict.Add(1) }
func IncItemsPublished()    { itemsPublished.Add(1) }
func IncPublishFailures()   { publishFailures.Add(1) }
func IncDLQWrites()         { dlqWrites.Add(1) }
func IncWSConnections()     { wsConnections.Add(1) }
func DecWSConnections()     { wsConnections.Add(-1) }
func IncCatalogStarts()     { catalogStarts.Add(1) }
func IncOIDCInitSuccess()   { oidcInitSuccess.Add(1) }
func IncOIDCInitFailure()   { oidcInitFailure.Add(1) }

// Snapshot is a point-in-time copy of the counters, used by tests and /metrics.
type Snapshot struct {
	ItemsAccepted     uint64
	ItemsIgnored      uint64
	ItemsExpected     uint64
	ItemsAcknowledged uint64
	AckRejected       uint64
	AckSaveConflict   uint64
	ItemsPublished    uint64
	PublishFailures   uint64
	DLQWrites         uint64
	WSConnections     int64
	CatalogStarts     uint64
}

func Read() Snapshot {
	return Snapshot{
		ItemsAccepted:     itemsAccepted.Load(),
		ItemsIgnored:      itemsIgnored.Load(),
		ItemsExpected:     itemsExpected.Load(),
		ItemsAcknowledged: itemsAcknowledged.Load(),
		AckRejected:       ackRejected.Load(),
		AckSaveConflict:   ackSaveConflict.Load(),
		ItemsPublished:    itemsPublished.Load(),
		PublishFailures:   publishFailures.Load(),
		DLQWrites:         dlqWrites.Load(),
		WSConnections:     wsConnections.Load(),
		CatalogStarts:     catalogStarts.Load(),
	}
}

// Handler exposes metrics in a minimal Prometheus exposition format.
func Handler(w http.ResponseWriter, _ *http.Request) {
	s := Read()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	counter(w, "sharedcatalog_catalog_starts_total", "Catalog (re)starts", s.CatalogStarts)

	fmt.Fprintf(w, "# HELP sharedcatalog_foreign_items_total Foreign items received, by outcome\n")
	fmt.Fprintf(w, "# TYPE sharedcatalog_foreign_items_total counter\n")
	fmt.Fprintf(w, "sharedcatalog_foreign_items_total{outcome=\"accepted\"} %d\n", s.ItemsAccepted)
	fmt.Fprintf(w, "sharedcatalog_foreign_items_total{outcome=\"ignored\"} %d\n", s.ItemsIgnored)

	counter(w, "sharedcatalog_items_expected_total", "Foreign versions recorded as expected", s.ItemsExpected)
	counter(w, "sharedcatalog_items_acknowledged_total", "Expected items acknowledged on receipt", s.ItemsAcknowledged)

	fmt.Fprintf(w, "# HELP sharedcatalog_ack_failures_total Received items that could not be acknowledged\n")
	fmt.Fprintf(w, "# TYPE sharedcatalog_ack_failures_total counter\n")
	fmt.Fprintf(w, "sharedcatalog_ack_failures_total{reason=\"mismatch\"} %d\n", s.AckRejected)
	fmt.Fprintf(w, "sharedcatalog_ack_failures_total{reason=\"already_acked\"} %d\n", s.AckSaveConflict)

	counter(w, "sharedcatalog_items_published_total", "Items forwarded to the outbound route", s.ItemsPublished)
	counter(w, "sharedcatalog_publish_failures_total", "Outbound publish failures", s.PublishFailures)
	counter(w, "sharedcatalog_dlq_writes_total", "Items written to the dead letter topic", s.DLQWrites)

	fmt.Fprintf(w, "# HELP sharedcatalog_oidc_provider_init_total OIDC provider initializations, by result\n")
	fmt.Fprintf(w, "# TYPE sharedcatalog_oidc_provider_init_total counter\n")
	fmt.Fprintf(w, "sharedcatalog_oidc_provider_init_total{result=\"success\"} %d\n", oidcInitSuccess.Load())
	fmt.Fprintf(w, "sharedcatalog_oidc_provider_init_total{result=\"failure\"} %d\n", oidcInitFailure.Load())

	fmt.Fprintf(w, "# HELP sharedcatalog_ws_connections Open websocket subscribers\n")
	fmt.Fprintf(w, "# TYPE sharedcatalog_ws_connections gauge\n")
	fmt.Fprintf(w, "sharedcatalog_ws_connections %d\n", s.WSConnections)
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
