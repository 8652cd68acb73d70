package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "INTERCOM_ICE_SERVERS_JSON"

	envStunURLs       = "INTERCOM_STUN_URLS"
	envTurnURLs       = "INTERCOM_TURN_URLS"
	envTurnUsername   = "INTERCOM_TURN_USERNAME"
	envTurnCredential = "INTERCOM_TURN_CREDENTIAL"

	// DefaultSTUNURL is used when no ICE configuration is given at all.
	DefaultSTUNURL = "stun:stun.l.google.com:19302"
)

// iceFlags collects the ICE settings shared by the server and client
// binaries. Env values become flag defaults.
type iceFlags struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string

	// anonymousTURN accepts TURN URLs without credentials; the server mints
	// them per request when TURN REST is enabled.
	anonymousTURN bool
}

func (f *iceFlags) loadEnv(lookup func(string) (string, bool), defaultSTUN string) {
	f.serversJSON = envOrDefault(lookup, envICEServersJSON, "")
	f.stunURLs = envOrDefault(lookup, envStunURLs, "")
	f.turnURLs = envOrDefault(lookup, envTurnURLs, "")
	f.turnUsername = envOrDefault(lookup, envTurnUsername, "")
	f.turnCredential = envOrDefault(lookup, envTurnCredential, "")
	if f.serversJSON == "" && f.stunURLs == "" && f.turnURLs == "" {
		f.stunURLs = defaultSTUN
	}
}

func (f *iceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.serversJSON, "ice-servers-json", f.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&f.stunURLs, "stun-urls", f.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&f.turnURLs, "turn-urls", f.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&f.turnUsername, "turn-username", f.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&f.turnCredential, "turn-credential", f.turnCredential, "TURN credential ("+envTurnCredential+")")
}

func (f *iceFlags) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(f.serversJSON); raw != "" {
		iceServers, err := parseICEServersJSON(raw, f.anonymousTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}
	return parseConvenience(f.stunURLs, f.turnURLs, f.turnUsername, f.turnCredential, f.anonymousTURN)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates a browser-style iceServers array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, anonymousTURN bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := splitCommaSeparated(strings.Join(server.URLs, ","))
		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := validateICEServer(pcServer, anonymousTURN); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	return parseConvenience(stunURLs, turnURLs, turnUsername, turnCredential, false)
}

func parseConvenience(stunURLs, turnURLs, turnUsername, turnCredential string, anonymousTURN bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		anonymous := anonymousTURN && turnUsername == "" && turnCredential == ""
		if !anonymous && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{URLs: turnList, Username: turnUsername}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, anonymousTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, anonymousTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds && anonymousTURN && server.Username == "" && server.Credential == nil {
		return nil
	}
	if requiresTurnCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
