package metrics

// Pre-defined metrics for the messaging substrate. All metrics live in
// DefaultRegistry so they are globally accessible without passing a registry
// around.

var (
	// ---- Etale ingest metrics ----

	// EtalesReceived counts successfully decoded etale updates ingested by
	// any ehypha.
	EtalesReceived = DefaultRegistry.Counter("etales.received")
	// EtalesDropped counts messages dropped during ingest because of a
	// malformed topic, wrong frame count, or wrong-length timestamp.
	EtalesDropped = DefaultRegistry.Counter("etales.dropped")

	// ---- Ehypha endpoint metrics ----

	// EhyphaEndpointChanges counts connpoint changes across all ehyphae.
	EhyphaEndpointChanges = DefaultRegistry.Counter("ehypha.endpoint_changes")
	// EhyphaeActive tracks the current number of ehyphae across all local
	// peers sharing this process's DefaultRegistry.
	EhyphaeActive = DefaultRegistry.Gauge("ehypha.active")

	// ---- Authentication metrics ----

	// ZapAccepts counts ZAP requests that were authorized.
	ZapAccepts = DefaultRegistry.Counter("zap.accepts")
	// ZapRejects counts ZAP requests that were rejected.
	ZapRejects = DefaultRegistry.Counter("zap.rejects")

	// ---- Beacon metrics ----

	// BeaconsEmitted counts beacons sent by any efunguz.
	BeaconsEmitted = DefaultRegistry.Counter("beacon.emitted")
	// BeaconsReceived counts beacons ingested by any catalogue.
	BeaconsReceived = DefaultRegistry.Counter("beacon.received")

	// ---- Catalogue metrics ----

	// CatalogueRecordsActive tracks the number of beacon_recs entries with
	// a non-empty endpoint.
	CatalogueRecordsActive = DefaultRegistry.Gauge("catalogue.records_active")
	// CatalogueRecordsTotal tracks the total number of beacon_recs entries,
	// active or deactivated.
	CatalogueRecordsTotal = DefaultRegistry.Gauge("catalogue.records_total")
	// CatalogueDeactivations counts records whose endpoint was cleared for
	// exceeding deactivate_interval without a beacon.
	CatalogueDeactivations = DefaultRegistry.Counter("catalogue.deactivations")
)
