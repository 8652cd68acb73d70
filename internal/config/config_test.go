package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode=%q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != DefaultSTUNURL {
		t.Fatalf("ICEServers=%#v, want default STUN", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:                    "127.0.0.1:9999",
		envVarShutdownTimeout:               "3s",
		envVarMaxSignalingMessagesPerSecond: "7",
		envVarAllowedOrigins:                "https://a.example, http://localhost:5173",
		envStunURLs:                         "stun:lan.example:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.MaxSignalingMessagesPerSecond != 7 {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d", cfg.MaxSignalingMessagesPerSecond)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:lan.example:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "127.0.0.1:1",
	}), []string{"--listen-addr", "127.0.0.1:2"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:2" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestAPIKeyModeRequiresKey(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key"}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarAPIKey) {
		t.Fatalf("err=%v, want missing %s", err, envVarAPIKey)
	}

	cfg, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key", envVarAPIKey: "secret"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeAPIKey || cfg.APIKey != "secret" {
		t.Fatalf("auth=%q key=%q", cfg.AuthMode, cfg.APIKey)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "ping not below idle", args: []string{"--signaling-ws-ping-interval", "60s"}},
		{name: "zero message bytes", args: []string{"--max-signaling-message-bytes", "0"}},
		{name: "bad mode", args: []string{"--mode", "staging"}},
		{name: "bad log level", env: map[string]string{envVarLogLevel: "loud"}},
		{name: "bad origin", args: []string{"--allowed-origins", "example.com"}},
		{name: "bad duration", env: map[string]string{envVarShutdownTimeout: "soon"}},
		{name: "negative max clients", args: []string{"--max-clients", "-1"}},
		{name: "turn ttl zero", env: map[string]string{envVarTURNRESTSharedSecret: "s", envVarTURNRESTTTLSeconds: "0"}},
		{name: "turn prefix colon", env: map[string]string{envVarTURNRESTSharedSecret: "s"}, args: []string{"--turn-rest-username-prefix", "a:b"}},
		{name: "bad client networks", args: []string{"--client-networks", "wan"}},
		{name: "bad allow cidr", env: map[string]string{envVarAllowClientCIDRs: "10.0.0.0/40"}},
		{name: "turn ttl garbage", env: map[string]string{envVarTURNRESTTTLSeconds: "hour"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(lookupMap(tc.env), tc.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTURNREST(t *testing.T) {
	cfg, err := load(lookupMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatal("TURN REST enabled without a secret")
	}

	if _, err := load(lookupMap(map[string]string{envTurnURLs: "turn:turn.example.com:3478"}), nil); err == nil {
		t.Fatal("credential-less TURN accepted without TURN REST")
	}
	cfg, err = load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "s3cret",
		envVarTURNRESTTTLSeconds:   "120",
		envTurnURLs:                "turn:turn.example.com:3478",
	}), []string{"--turn-rest-username-prefix", "office"})
	if err != nil {
		t.Fatalf("load with anonymous TURN: %v", err)
	}
	if n := len(cfg.ICEServers); n != 1 || cfg.ICEServers[0].Username != "" {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
	want := TURNRESTConfig{SharedSecret: "s3cret", TTLSeconds: 120, UsernamePrefix: "office"}
	if cfg.TURNREST != want {
		t.Fatalf("TURNREST=%+v, want %+v", cfg.TURNREST, want)
	}
}

func TestClientNetworkPolicy(t *testing.T) {
	dev, err := load(lookupMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if dev.ClientPolicy.LANOnly {
		t.Fatal("dev should admit any network by default")
	}

	prod, err := load(lookupMap(nil), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !prod.ClientPolicy.LANOnly {
		t.Fatal("prod should be LAN-only by default")
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarClientNetworks:  "any",
		envVarDenyClientCIDRs: "192.168.1.66, 10.0.0.0/8",
	}), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ClientPolicy.LANOnly || len(cfg.ClientPolicy.DenyCIDRs) != 2 || cfg.ClientPolicy.DenyCIDRs[0].String() != "192.168.1.66/32" {
		t.Fatalf("ClientPolicy=%+v", cfg.ClientPolicy)
	}
}

func TestClientDefaults(t *testing.T) {
	cfg, err := loadClient(lookupMap(map[string]string{envVarClientDisplayName: "Kitchen"}), nil)
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.ServerURL != DefaultClientServerURL {
		t.Fatalf("ServerURL=%q", cfg.ServerURL)
	}
	if cfg.DisplayName != "Kitchen" {
		t.Fatalf("DisplayName=%q", cfg.DisplayName)
	}
	if !cfg.AutoAnswer || cfg.RejectWhenBusy {
		t.Fatalf("AutoAnswer=%v RejectWhenBusy=%v", cfg.AutoAnswer, cfg.RejectWhenBusy)
	}
	if cfg.SetupTimeout != DefaultClientSetupTimeout {
		t.Fatalf("SetupTimeout=%v", cfg.SetupTimeout)
	}
	if cfg.UDPPortRange != nil {
		t.Fatalf("UDPPortRange=%+v, want nil", *cfg.UDPPortRange)
	}
}

func TestClientPortRangeAndValidation(t *testing.T) {
	cfg, err := loadClient(lookupMap(nil), []string{"--udp-port-min", "50000", "--udp-port-max", "50100", "--reject-when-busy"})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.UDPPortRange == nil || cfg.UDPPortRange.Min != 50000 || cfg.UDPPortRange.Max != 50100 {
		t.Fatalf("UDPPortRange=%+v", cfg.UDPPortRange)
	}
	if !cfg.RejectWhenBusy {
		t.Fatal("RejectWhenBusy=false, want true")
	}

	echo, err := loadClient(lookupMap(map[string]string{envVarClientEcho: "true"}), nil)
	if err != nil || !echo.Echo {
		t.Fatalf("echo=%+v err=%v", echo, err)
	}

	bad := [][]string{
		{"--udp-port-min", "50000"},
		{"--udp-port-min", "50100", "--udp-port-max", "50000"},
		{"--server-url", "http://127.0.0.1:3000/signal"},
		{"--call", "Kitchen"},
		{"--setup-timeout", "0s"},
		{"--echo", "--record-dir", "/tmp/calls"},
		{"--echo", "--call", "Kitchen"},
	}
	for _, args := range bad {
		if _, err := loadClient(lookupMap(nil), args); err == nil {
			t.Fatalf("args %v: expected error", args)
		}
	}
}
