package emz

import (
	"testing"
	"time"
)

// TestCatalogueRendezvous mirrors scenario S4: peer A beacons to a
// catalogue, which republishes A's endpoint; peer B's ehypha picks it up
// via its subscriber-from-catalogue link and endpoint voting.
func TestCatalogueRendezvous(t *testing.T) {
	catCfg := DefaultCatalogConfig(randomSecretKeyZ85(t))
	catCfg.BeaconPort = 0
	catCfg.PubsubPort = 0
	catCfg.PublishIntervalMusec = 20_000
	catCfg.IdleIntervalMusec = 5_000
	catCfg.DeactivateIntervalMusec = 10_000_000
	cat, err := NewEcataloguz(catCfg)
	if err != nil {
		t.Fatalf("NewEcataloguz: %v", err)
	}
	go cat.Run(false)
	defer func() {
		cat.Stop()
		cat.Close()
	}()

	aCfg := DefaultTCPConfig(randomSecretKeyZ85(t))
	aCfg.PubsubPort = 0
	aCfg.BeaconIntervalMusec = 20_000
	a, err := NewTCPEfunguz(aCfg)
	if err != nil {
		t.Fatalf("NewTCPEfunguz(a): %v", err)
	}
	defer a.Close()

	beaconEndpoint := loopbackEndpoint(t, cat.BeaconAddr())
	if status, err := a.AddEcatalTo(cat.LocalPublicKey(), beaconEndpoint); status != OK || err != nil {
		t.Fatalf("AddEcatalTo: status=%v err=%v", status, err)
	}

	bCfg := DefaultTCPConfig(randomSecretKeyZ85(t))
	bCfg.PubsubPort = 0
	b, err := NewTCPEfunguz(bCfg)
	if err != nil {
		t.Fatalf("NewTCPEfunguz(b): %v", err)
	}
	defer b.Close()

	pubsubEndpoint := loopbackEndpoint(t, cat.PubsubAddr())
	if status, err := b.AddEcatalFrom(cat.LocalPublicKey(), pubsubEndpoint); status != OK || err != nil {
		t.Fatalf("AddEcatalFrom: status=%v err=%v", status, err)
	}
	h, status := b.AddEhypha(a.LocalPublicKey(), "", 5_000_000)
	if status != OK {
		t.Fatalf("AddEhypha status = %v, want OK", status)
	}

	pollUntil(t, 3*time.Second, func() bool {
		a.Update()
		b.Update()
		return h.Connpoint() != ""
	})

	wantSuffix := loopbackEndpoint(t, a.Addr())
	if h.Connpoint() != wantSuffix {
		t.Fatalf("Connpoint = %q, want %q", h.Connpoint(), wantSuffix)
	}
}

func TestCatalogueDeactivation(t *testing.T) {
	catCfg := DefaultCatalogConfig(randomSecretKeyZ85(t))
	catCfg.BeaconPort = 0
	catCfg.PubsubPort = 0
	catCfg.PublishIntervalMusec = 10_000
	catCfg.IdleIntervalMusec = 2_000
	catCfg.DeactivateIntervalMusec = 30_000
	cat, err := NewEcataloguz(catCfg)
	if err != nil {
		t.Fatalf("NewEcataloguz: %v", err)
	}
	defer cat.Close()

	cat.beaconRecs["somekey"] = &beaconRec{endpoint: "tcp://1.2.3.4:9999", lastBeaconMusec: 0}
	cat.maybePublish(40_000) // now far beyond deactivate interval since last beacon

	rec := cat.beaconRecs["somekey"]
	if rec.endpoint != "" {
		t.Fatalf("endpoint = %q, want empty after deactivation", rec.endpoint)
	}
}
