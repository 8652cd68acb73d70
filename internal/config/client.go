package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarClientServerURL      = "INTERCOM_SERVER_URL"
	envVarClientDisplayName    = "INTERCOM_DISPLAY_NAME"
	envVarClientAPIKey         = "INTERCOM_API_KEY"
	envVarClientAudioFile      = "INTERCOM_AUDIO_FILE"
	envVarClientRecordDir      = "INTERCOM_RECORD_DIR"
	envVarClientEcho           = "INTERCOM_ECHO"
	envVarClientRejectWhenBusy = "INTERCOM_REJECT_WHEN_BUSY"
	envVarClientAutoAnswer     = "INTERCOM_AUTO_ANSWER"
	envVarClientSetupTimeout   = "INTERCOM_CALL_SETUP_TIMEOUT"
	envVarClientUDPPortMin     = "INTERCOM_UDP_PORT_MIN"
	envVarClientUDPPortMax     = "INTERCOM_UDP_PORT_MAX"

	DefaultClientServerURL    = "ws://127.0.0.1:3000/signal"
	DefaultClientSetupTimeout = 30 * time.Second
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// ClientConfig configures the headless intercom client.
type ClientConfig struct {
	ServerURL   string
	DisplayName string
	APIKey      string

	LogFormat LogFormat
	LogLevel  slog.Level

	ICEServers   []webrtc.ICEServer
	UDPPortRange *UDPPortRange

	// AudioFile is an Ogg/Opus file used as the microphone. Without it the
	// client can answer calls but not place them.
	AudioFile string
	// RecordDir receives one Ogg file per call with the remote audio.
	RecordDir string
	// Echo answers calls by looping the caller's audio back to them.
	Echo bool

	RejectWhenBusy bool
	AutoAnswer     bool
	SetupTimeout   time.Duration

	// Call is the display name or id of a peer to call once discovered.
	Call string
}

func LoadClient(args []string) (ClientConfig, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, error) {
	hostname, _ := os.Hostname()

	serverURL := envOrDefault(lookup, envVarClientServerURL, DefaultClientServerURL)
	displayName := envOrDefault(lookup, envVarClientDisplayName, hostname)
	apiKey := envOrDefault(lookup, envVarClientAPIKey, "")
	audioFile := envOrDefault(lookup, envVarClientAudioFile, "")
	recordDir := envOrDefault(lookup, envVarClientRecordDir, "")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	var ice iceFlags
	ice.loadEnv(lookup, DefaultSTUNURL)

	rejectWhenBusy, err := envBoolOrDefault(lookup, envVarClientRejectWhenBusy, false)
	if err != nil {
		return ClientConfig{}, err
	}
	autoAnswer, err := envBoolOrDefault(lookup, envVarClientAutoAnswer, true)
	if err != nil {
		return ClientConfig{}, err
	}
	echo, err := envBoolOrDefault(lookup, envVarClientEcho, false)
	if err != nil {
		return ClientConfig{}, err
	}
	setupTimeout, err := envDurationOrDefault(lookup, envVarClientSetupTimeout, DefaultClientSetupTimeout)
	if err != nil {
		return ClientConfig{}, err
	}

	var portMin, portMax uint
	if raw, ok := lookup(envVarClientUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s %q: %w", envVarClientUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarClientUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s %q: %w", envVarClientUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}

	var callTarget string

	fs := flag.NewFlagSet("intercom-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&serverURL, "server-url", serverURL, "Signaling WebSocket URL (env "+envVarClientServerURL+")")
	fs.StringVar(&displayName, "name", displayName, "Display name announced to peers (env "+envVarClientDisplayName+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Shared key for servers running with auth mode api_key (env "+envVarClientAPIKey+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	ice.register(fs)
	fs.UintVar(&portMin, "udp-port-min", portMin, "Min UDP port for ICE (0 = unset; env "+envVarClientUDPPortMin+")")
	fs.UintVar(&portMax, "udp-port-max", portMax, "Max UDP port for ICE (0 = unset; env "+envVarClientUDPPortMax+")")
	fs.StringVar(&audioFile, "audio-file", audioFile, "Ogg/Opus file used as the local audio source (env "+envVarClientAudioFile+")")
	fs.StringVar(&recordDir, "record-dir", recordDir, "Directory for recordings of remote audio (env "+envVarClientRecordDir+")")
	fs.BoolVar(&echo, "echo", echo, "Loop each caller's audio back to them; replaces --audio-file and --record-dir (env "+envVarClientEcho+")")
	fs.BoolVar(&rejectWhenBusy, "reject-when-busy", rejectWhenBusy, "Answer offers with busy while a call is in progress (env "+envVarClientRejectWhenBusy+")")
	fs.BoolVar(&autoAnswer, "auto-answer", autoAnswer, "Accept incoming calls without asking (env "+envVarClientAutoAnswer+")")
	fs.DurationVar(&setupTimeout, "setup-timeout", setupTimeout, "Abandon calls that are not connected after this long (env "+envVarClientSetupTimeout+")")
	fs.StringVar(&callTarget, "call", "", "Display name or id of a peer to call once it is discovered")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return ClientConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return ClientConfig{}, err
	}
	iceServers, err := ice.servers()
	if err != nil {
		return ClientConfig{}, err
	}

	u, err := url.Parse(serverURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return ClientConfig{}, fmt.Errorf("%s/--server-url must be a ws:// or wss:// URL, got %q", envVarClientServerURL, serverURL)
	}
	if setupTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--setup-timeout must be > 0", envVarClientSetupTimeout)
	}
	if echo && (audioFile != "" || recordDir != "") {
		return ClientConfig{}, fmt.Errorf("--echo cannot be combined with --audio-file or --record-dir")
	}
	if callTarget != "" && audioFile == "" {
		return ClientConfig{}, fmt.Errorf("--call requires --audio-file")
	}

	var portRange *UDPPortRange
	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return ClientConfig{}, fmt.Errorf("%s/--udp-port-min and %s/--udp-port-max must be set together (or both unset)", envVarClientUDPPortMin, envVarClientUDPPortMax)
		}
		lo, err := parsePortUint(portMin)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("--udp-port-min: %w", err)
		}
		hi, err := parsePortUint(portMax)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("--udp-port-max: %w", err)
		}
		if lo > hi {
			return ClientConfig{}, fmt.Errorf("--udp-port-min (%d) must be <= --udp-port-max (%d)", lo, hi)
		}
		portRange = &UDPPortRange{Min: lo, Max: hi}
	}

	return ClientConfig{
		ServerURL:      serverURL,
		DisplayName:    displayName,
		APIKey:         apiKey,
		LogFormat:      logFormat,
		LogLevel:       level,
		ICEServers:     iceServers,
		UDPPortRange:   portRange,
		AudioFile:      audioFile,
		RecordDir:      recordDir,
		Echo:           echo,
		RejectWhenBusy: rejectWhenBusy,
		AutoAnswer:     autoAnswer,
		SetupTimeout:   setupTimeout,
		Call:           callTarget,
	}, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
