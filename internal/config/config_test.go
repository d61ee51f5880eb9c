package config

import (
	"reflect"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.SweepInterval != 10*time.Second {
		t.Errorf("expected 10s sweep, got %v", c.SweepInterval)
	}
	if len(c.ICEServers) != 2 {
		t.Errorf("expected 2 default ICE servers, got %d", len(c.ICEServers))
	}
	if c.RoomWindow != 50 {
		t.Errorf("expected room window 50, got %d", c.RoomWindow)
	}
}

func TestEnvOverrides(t *testing.T) {
	c := fromLookup(Default(), lookupFrom(map[string]string{
		"MESHCHAT_HUB_URL":             "ws://hub:9000/api/ws",
		"MESHCHAT_NEGOTIATION_TIMEOUT": "5s",
		"MESHCHAT_ROOM_WINDOW":         "20",
		"MESHCHAT_CLOUD_SYNC":          "true",
		"MESHCHAT_ICE_SERVERS":         "stun:a:1, ,stun:b:2",
		"OPENAI_API_KEY":               "sk-test",
	}))
	if c.HubURL != "ws://hub:9000/api/ws" {
		t.Errorf("hub url not applied: %q", c.HubURL)
	}
	if c.NegotiationTimeout != 5*time.Second {
		t.Errorf("timeout not applied: %v", c.NegotiationTimeout)
	}
	if c.RoomWindow != 20 {
		t.Errorf("window not applied: %d", c.RoomWindow)
	}
	if !c.CloudSync {
		t.Error("cloud sync not applied")
	}
	if c.APIKey != "sk-test" {
		t.Errorf("expected OPENAI_API_KEY fallback, got %q", c.APIKey)
	}
	if !reflect.DeepEqual(c.ICEServers, []string{"stun:a:1", "stun:b:2"}) {
		t.Errorf("unexpected ICE servers: %v", c.ICEServers)
	}
}

func TestMalformedEnvIgnored(t *testing.T) {
	c := fromLookup(Default(), lookupFrom(map[string]string{
		"MESHCHAT_SWEEP_INTERVAL": "soon",
		"MESHCHAT_ROOM_WINDOW":    "many",
	}))
	if c.SweepInterval != 10*time.Second || c.RoomWindow != 50 {
		t.Errorf("malformed values should keep defaults, got %v / %d", c.SweepInterval, c.RoomWindow)
	}
}

func TestNonPositiveDurationsIgnored(t *testing.T) {
	def := Default()
	c := fromLookup(def, lookupFrom(map[string]string{
		"MESHCHAT_SWEEP_INTERVAL":      "0s",
		"MESHCHAT_NEGOTIATION_TIMEOUT": "-5s",
		"MESHCHAT_GENERATION_TIMEOUT":  "0",
	}))
	if c.SweepInterval != def.SweepInterval {
		t.Errorf("zero sweep interval accepted: %v", c.SweepInterval)
	}
	if c.NegotiationTimeout != def.NegotiationTimeout {
		t.Errorf("negative negotiation timeout accepted: %v", c.NegotiationTimeout)
	}
	if c.GenerationTimeout != 0 {
		t.Errorf("zero generation timeout should disable it, got %v", c.GenerationTimeout)
	}

	c = fromLookup(def, lookupFrom(map[string]string{"MESHCHAT_SWEEP_INTERVAL": "-1m"}))
	if c.SweepInterval != def.SweepInterval {
		t.Errorf("negative sweep interval accepted: %v", c.SweepInterval)
	}
}
