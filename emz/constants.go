package emz

// Well-known default ports and intervals, chosen to not collide with
// other common services while staying memorable (hex spellings of
// "EDAF"/"CAEB"/"D21F").
const (
	DefaultPubsubPort    = 0xEDAF // 60847, peer publisher
	DefaultBeaconPort    = 0xCAEB // 51947, catalogue beacon pull
	DefaultCatalogPubPort = 0xD21F // 53791, catalogue pubsub

	DefaultSocksAddr = "127.0.0.1:9050"

	DefaultBeaconIntervalMusec        = 2_000_000
	DefaultCatalogForgetIntervalMusec = 60_000_000
	DefaultDeactivateIntervalMusec    = 60_000_000
	DefaultPublishIntervalMusec       = 1_000_000
	DefaultIdleIntervalMusec          = 10_000

	identityPubsub = "pubsub"
	identityBeacon = "beacon"
)
